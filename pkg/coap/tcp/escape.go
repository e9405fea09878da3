package tcp

const hexDigits = "0123456789abcdef"

// EscapePayload 将二进制负载转义为可打印、以NUL结尾的字符串，用于日志
// 可打印ASCII原样输出，反斜杠输出为"\\"，其余字节输出为"\xhh"（小写）
// 一个转义序列放不下时整体丢弃，不会写出半个序列
// 参数：dst - 输出缓冲区（总会写入结尾NUL，长度为0时不写），payload - 源数据
// 返回：写入的字节数（不含NUL），消耗的源字节数；调用方可从payload[consumed:]继续
func EscapePayload(dst, payload []byte) (written, consumed int) {
	if len(dst) == 0 {
		return 0, 0
	}
	room := len(dst) - 1
	for _, c := range payload {
		switch {
		case c == '\\':
			if written+2 > room {
				dst[written] = 0
				return written, consumed
			}
			dst[written], dst[written+1] = '\\', '\\'
			written += 2
		case c >= 0x20 && c < 0x7F:
			if written+1 > room {
				dst[written] = 0
				return written, consumed
			}
			dst[written] = c
			written++
		default:
			if written+4 > room {
				dst[written] = 0
				return written, consumed
			}
			dst[written] = '\\'
			dst[written+1] = 'x'
			dst[written+2] = hexDigits[c>>4]
			dst[written+3] = hexDigits[c&0x0F]
			written += 4
		}
		consumed++
	}
	dst[written] = 0
	return written, consumed
}

// EscapeString 转义负载并返回字符串（输出最多256字节），用于日志字段
func EscapeString(payload []byte) string {
	var buf [257]byte
	n, _ := EscapePayload(buf[:], payload)
	return string(buf[:n])
}

package message

import (
	"errors"
	"sort"
	"strings"
)

// OptionID CoAP选项号
type OptionID uint16

// 标准选项号（RFC 7252 / 7641 / 7959 / 8613 / 7967）
const (
	IfMatch       OptionID = 1   // If-Match：条件请求（匹配资源ETag）
	URIHost       OptionID = 3   // Uri-Host：资源主机地址
	ETag          OptionID = 4   // ETag：资源的实体标签
	IfNoneMatch   OptionID = 5   // If-None-Match：仅当资源不存在时处理
	Observe       OptionID = 6   // Observe：观察注册/通知序号
	URIPort       OptionID = 7   // Uri-Port：资源端口号
	LocationPath  OptionID = 8   // Location-Path：资源创建后的位置路径
	OSCORE        OptionID = 9   // OSCORE：对象安全上下文
	URIPath       OptionID = 11  // Uri-Path：资源路径的一段
	ContentFormat OptionID = 12  // Content-Format：负载数据格式
	MaxAge        OptionID = 14  // Max-Age：缓存有效时间（秒）
	URIQuery      OptionID = 15  // Uri-Query：请求参数
	Accept        OptionID = 17  // Accept：期望的负载格式
	LocationQuery OptionID = 20  // Location-Query：资源创建后的位置参数
	Block2        OptionID = 23  // Block2：响应负载分块
	Block1        OptionID = 27  // Block1：请求负载分块
	Size2         OptionID = 28  // Size2：响应负载的预估大小
	ProxyURI      OptionID = 35  // Proxy-Uri
	ProxyScheme   OptionID = 39  // Proxy-Scheme
	Size1         OptionID = 60  // Size1：请求负载的预估大小
	NoResponse    OptionID = 258 // No-Response：抑制响应
)

// MaxOptionNumber 可跟踪的最大选项号，解码时delta累加超过此值即视为选项乱序
const MaxOptionNumber = 65535

// 负载格式编码（RFC 7252及OMA LwM2M扩展）
const (
	TextPlain      uint32 = 0     // text/plain
	AppLinkFormat  uint32 = 40    // application/link-format
	AppXML         uint32 = 41    // application/xml
	AppOctetStream uint32 = 42    // application/octet-stream
	AppJSON        uint32 = 50    // application/json
	AppCBOR        uint32 = 60    // application/cbor
	AppSenMLJSON   uint32 = 110   // application/senml+json
	AppSenMLCBOR   uint32 = 112   // application/senml+cbor
	AppLwM2MTLV    uint32 = 11542 // application/vnd.oma.lwm2m+tlv
	AppLwM2MJSON   uint32 = 11543 // application/vnd.oma.lwm2m+json
	AppLwM2MCBOR   uint32 = 11544 // application/vnd.oma.lwm2m+cbor
)

// ErrOptionTooLong 整数选项的值超过4字节
var ErrOptionTooLong = errors.New("option value too long for uint")

// Option 表示一个CoAP选项（选项号+选项值）
type Option struct {
	ID    OptionID // 选项号
	Value []byte   // 选项值（解码时为输入缓冲区的视图）
}

// Options 按选项号升序排列的选项集合，相同选项号保持插入顺序
type Options []Option

// search 返回第一个选项号大于id的位置
func (o Options) search(id OptionID) int {
	return sort.Search(len(o), func(i int) bool { return o[i].ID > id })
}

// Add 追加一个选项，插入位置保证集合有序且同号选项保持添加顺序
// 参数：id - 选项号，value - 选项值（不复制）
func (o *Options) Add(id OptionID, value []byte) {
	opts := *o
	i := opts.search(id)
	opts = append(opts, Option{})
	copy(opts[i+1:], opts[i:])
	opts[i] = Option{ID: id, Value: value}
	*o = opts
}

// Set 设置单值选项：先移除所有同号选项再添加
func (o *Options) Set(id OptionID, value []byte) {
	o.Remove(id)
	o.Add(id, value)
}

// Remove 移除所有指定选项号的选项
func (o *Options) Remove(id OptionID) {
	opts := *o
	n := 0
	for _, opt := range opts {
		if opt.ID != id {
			opts[n] = opt
			n++
		}
	}
	for i := n; i < len(opts); i++ {
		opts[i] = Option{}
	}
	*o = opts[:n]
}

// Has 是否包含指定选项
func (o Options) Has(id OptionID) bool {
	_, ok := o.Get(id)
	return ok
}

// Get 获取第一个指定选项号的选项值
// 返回：选项值，bool值表示是否找到该选项
func (o Options) Get(id OptionID) ([]byte, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value, true
		}
		if opt.ID > id {
			break
		}
	}
	return nil, false
}

// GetAll 获取所有指定选项号的选项值（适用于Uri-Path、Uri-Query等可重复选项）
func (o Options) GetAll(id OptionID) [][]byte {
	var values [][]byte
	for _, opt := range o {
		if opt.ID == id {
			values = append(values, opt.Value)
		}
	}
	return values
}

// GetUint 以无符号整数读取选项值（大端序，0-4字节）
// 返回：选项值，bool值表示是否找到，值超过4字节时返回ErrOptionTooLong
func (o Options) GetUint(id OptionID) (uint32, bool, error) {
	v, ok := o.Get(id)
	if !ok {
		return 0, false, nil
	}
	n, err := DecodeUint(v)
	return n, true, err
}

// AddUint 以最短大端编码追加整数选项
func (o *Options) AddUint(id OptionID, v uint32) {
	o.Add(id, EncodeUint(v))
}

// SetUint 以最短大端编码设置整数选项
func (o *Options) SetUint(id OptionID, v uint32) {
	o.Set(id, EncodeUint(v))
}

// SetString 设置字符串选项
func (o *Options) SetString(id OptionID, s string) {
	o.Set(id, []byte(s))
}

// SetPath 将路径拆分为多个Uri-Path选项（替换原有Uri-Path）
// 参数：path - 形如"/3/0/1"的路径，空段被忽略
func (o *Options) SetPath(path string) {
	o.Remove(URIPath)
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			o.Add(URIPath, []byte(seg))
		}
	}
}

// Path 将所有Uri-Path选项拼接为"/a/b/c"形式
func (o Options) Path() string {
	var sb strings.Builder
	for _, opt := range o {
		if opt.ID == URIPath {
			sb.WriteByte('/')
			sb.Write(opt.Value)
		}
	}
	if sb.Len() == 0 {
		return "/"
	}
	return sb.String()
}

// Clone 深拷贝选项集合（值也被复制，可脱离原始缓冲区保存）
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	size := 0
	for _, opt := range o {
		size += len(opt.Value)
	}
	arena := make([]byte, 0, size)
	out := make(Options, len(o))
	for i, opt := range o {
		start := len(arena)
		arena = append(arena, opt.Value...)
		out[i] = Option{ID: opt.ID, Value: arena[start:len(arena):len(arena)]}
	}
	return out
}

// Sorted 检查选项是否按选项号非递减排列
func (o Options) Sorted() bool {
	for i := 1; i < len(o); i++ {
		if o[i].ID < o[i-1].ID {
			return false
		}
	}
	return true
}

// EncodeUint 将整数编码为最短的大端字节序列（0编码为空值）
func EncodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return []byte{}
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	}
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// DecodeUint 解码0-4字节的大端整数
func DecodeUint(b []byte) (uint32, error) {
	if len(b) > 4 {
		return 0, ErrOptionTooLong
	}
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v, nil
}

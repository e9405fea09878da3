// Package config 加载与保存引擎配置
//
// 优先级从高到低：命令行标志（由调用方绑定）、LWCOAP_前缀的环境变量、配置文件、api.DefaultConfig
package config

import (
	"os"
	"strings"

	"github.com/junbin-yang/lwm2m-coap-go/api"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，例如LWCOAP_UDP_ACK_TIMEOUT对应udp.ack_timeout
const EnvPrefix = "LWCOAP"

// DefaultFile 未指定路径时在当前目录查找的配置文件名（不含扩展名）
const DefaultFile = "lwcoap"

// setting 配置项的点分键与值
type setting struct {
	key   string
	value any
}

// settings 将配置展开为点分键列表，时长以可读字符串表示
func settings(c api.Config) []setting {
	return []setting{
		{"udp.ack_timeout", c.UDP.AckTimeout.String()},
		{"udp.ack_random_factor", c.UDP.AckRandomFactor},
		{"udp.max_retransmit", c.UDP.MaxRetransmit},
		{"udp.nstart", c.UDP.NStart},
		{"tcp.request_timeout", c.TCP.RequestTimeout.String()},
		{"tcp.max_message_size", c.TCP.MaxMessageSize},
		{"tcp.bert", c.TCP.BERT},
		{"max_exchanges", c.MaxExchanges},
		{"max_observations", c.MaxObservations},
		{"max_block_transfers", c.MaxBlockTransfers},
		{"block_size", c.BlockSize},
		{"response_buffer_size", c.ResponseBufferSize},
		{"response_cache_size", c.ResponseCacheSize},
		{"mtu", c.MTU},
		{"log_level", c.LogLevel},
	}
}

// NewViper 创建已设置默认值与环境变量映射的viper实例
// 调用方可在LoadFrom之前绑定命令行标志
func NewViper() *viper.Viper {
	v := viper.New()
	for _, s := range settings(api.DefaultConfig()) {
		v.SetDefault(s.key, s.value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load 读取配置
// 参数：path - yaml配置文件路径，空字符串表示只使用默认值与环境变量
// 返回：校验通过的配置
func Load(path string) (api.Config, error) {
	return LoadFrom(NewViper(), path)
}

// LoadFrom 使用给定的viper实例读取配置
// 参数：v - 由NewViper创建的实例，path - 配置文件路径（可为空）
func LoadFrom(v *viper.Viper, path string) (api.Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return api.Config{}, errors.Wrapf(err, "读取配置文件%s失败", path)
		}
	}
	var cfg api.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return api.Config{}, errors.Wrap(err, "解析配置失败")
	}
	if err := cfg.Validate(); err != nil {
		return api.Config{}, errors.Wrap(err, "配置校验失败")
	}
	return cfg, nil
}

// Dump 将配置编码为yaml
func Dump(c api.Config) ([]byte, error) {
	root := map[string]any{}
	for _, s := range settings(c) {
		m := root
		parts := strings.Split(s.key, ".")
		for _, p := range parts[:len(parts)-1] {
			sub, ok := m[p].(map[string]any)
			if !ok {
				sub = map[string]any{}
				m[p] = sub
			}
			m = sub
		}
		m[parts[len(parts)-1]] = s.value
	}
	out, err := yaml.Marshal(root)
	if err != nil {
		return nil, errors.Wrap(err, "编码配置失败")
	}
	return out, nil
}

// Save 将配置写入yaml文件
func Save(path string, c api.Config) error {
	out, err := Dump(c)
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, out, 0o644), "写入配置文件%s失败", path)
}

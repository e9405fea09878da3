// lwcoap：CoAP消息交换引擎的诊断命令行，用于解码报文、转义负载、查看生效配置及发起单次请求
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/junbin-yang/lwm2m-coap-go/api"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/message"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/tcp"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/config"
	log "github.com/junbin-yang/lwm2m-coap-go/pkg/utils/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// 版本信息（编译时可通过参数注入）
	Version   = "dev"     // 版本号
	BuildTime = "unknown" // 构建时间

	// 配置相关
	cfgFile string       // 配置文件路径
	v       *viper.Viper // 已绑定标志与环境变量的配置源

	// 日志相关
	logFile   string // 日志文件路径，为空时只输出到stderr
	logRotate string // 日志切割方式（size或time）

	// 日志实例
	logger *log.Logger
)

// rootCmd 表示基础命令
var rootCmd = &cobra.Command{
	Use:   "lwcoap",
	Short: "lwcoap: LwM2M客户端CoAP交换引擎诊断工具",
	Long: `lwcoap提供CoAP消息交换引擎（UDP与TCP）的诊断入口：
解码十六进制报文、转义负载、打印生效配置，以及向对端发起单次GET请求。`,
	SilenceUsage:      true,
	PersistentPreRunE: initLogger,
}

// versionCmd 打印版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "lwcoap %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "构建时间: %s\n", BuildTime)
	},
}

// decodeCmd 解码一个十六进制表示的UDP数据报或TCP帧
var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "解码十六进制表示的CoAP报文",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDecode,
}

// escapeCmd 以日志格式转义负载
var escapeCmd = &cobra.Command{
	Use:   "escape <text>",
	Short: "按日志格式转义负载",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), tcp.EscapeString([]byte(args[0])))
	},
}

// configCmd 打印或保存生效配置
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "打印生效配置（默认值、配置文件、环境变量与标志合并后）",
	RunE:  runConfig,
}

func init() {
	v = config.NewViper()

	// 全局标志（所有命令共享）
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认查找./lwcoap.yaml）")
	rootCmd.PersistentFlags().String("log-level", "info", "日志级别（debug, info, warn, error）")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "日志文件路径（为空时只输出到stderr）")
	rootCmd.PersistentFlags().StringVar(&logRotate, "log-rotate", "size", "日志切割方式（size=按大小, time=按时间）")
	rootCmd.PersistentFlags().Int("block-size", 0, "首选块大小（16..1024）")
	rootCmd.PersistentFlags().Int("mtu", 0, "出站数据报上限")

	// 将命令行标志绑定到viper（标志名与配置键不同）
	v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("block_size", rootCmd.PersistentFlags().Lookup("block-size"))
	v.BindPFlag("mtu", rootCmd.PersistentFlags().Lookup("mtu"))

	decodeCmd.Flags().Bool("tcp", false, "按RFC 8323帧格式解码")
	configCmd.Flags().String("out", "", "将生效配置写入文件而不是打印")

	rootCmd.AddCommand(versionCmd, decodeCmd, escapeCmd, configCmd, getCmd, interfacesCmd)
}

// initLogger 初始化日志：按标志选择stderr、按大小切割或按时间切割
func initLogger(cmd *cobra.Command, args []string) error {
	level := log.ParseLevel(v.GetString("log_level"))
	switch {
	case logFile == "":
		logger = log.New(os.Stderr, level)
	case logRotate == "time":
		l, err := log.NewProductionRotateByTime(log.RotateByTimeConfig{
			Filename:     logFile,
			MaxAge:       7 * 24 * time.Hour,
			RotationTime: 24 * time.Hour,
		}, level)
		if err != nil {
			return fmt.Errorf("创建日志失败: %w", err)
		}
		logger = l
	default:
		logger = log.NewProductionRotateBySize(log.RotateBySizeConfig{
			Filename:   logFile,
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 7,
		}, level)
	}
	log.ReplaceDefault(logger)
	return nil
}

// loadConfig 合并默认值、配置文件、环境变量与标志（viper只采用显式设置过的标志）
// 未指定--config时，当前目录存在lwcoap.yaml则使用之
func loadConfig() (api.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat(config.DefaultFile + ".yaml"); err == nil {
			path = config.DefaultFile + ".yaml"
		}
	}
	return config.LoadFrom(v, path)
}

// runDecode 执行decode命令：解码并逐项打印消息
func runDecode(cmd *cobra.Command, args []string) error {
	data, err := hex.DecodeString(strings.ReplaceAll(strings.Join(args, ""), " ", ""))
	if err != nil {
		return fmt.Errorf("无效的十六进制输入: %w", err)
	}
	useTCP, _ := cmd.Flags().GetBool("tcp")

	var msg *message.Message
	if useTCP {
		msg, err = message.NewTCPEncoder().Decode(data)
	} else {
		msg, err = message.NewEncoder().Decode(data)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !useTCP {
		fmt.Fprintf(out, "type:    %s\n", msg.Type)
		fmt.Fprintf(out, "mid:     %d\n", msg.MessageID)
	}
	fmt.Fprintf(out, "code:    %s (%s)\n", msg.Code.Dotted(), msg.Code)
	fmt.Fprintf(out, "token:   %s\n", msg.Token.Hex())
	for _, o := range msg.Options {
		fmt.Fprintf(out, "option:  %d = %s\n", o.ID, tcp.EscapeString(o.Value))
	}
	if len(msg.Payload) > 0 {
		fmt.Fprintf(out, "payload: %s\n", tcp.EscapeString(msg.Payload))
	}
	return nil
}

// runConfig 执行config命令
func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if out, _ := cmd.Flags().GetString("out"); out != "" {
		if err := config.Save(out, cfg); err != nil {
			return err
		}
		logger.Info("配置已保存", log.String("path", out))
		return nil
	}
	data, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// main 函数：执行root命令
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ./lwcoap decode 44011234deadbeefb3666f6f
// ./lwcoap get 127.0.0.1 5683 /3/0 --log-level debug

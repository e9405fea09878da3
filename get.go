package main

import (
	"context"
	"fmt"
	"time"

	"github.com/junbin-yang/lwm2m-coap-go/api"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/exchange"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/message"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/coap/tcp"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/transport"
	log "github.com/junbin-yang/lwm2m-coap-go/pkg/utils/logger"
	"github.com/junbin-yang/lwm2m-coap-go/pkg/utils/timer"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// pollInterval 套接字轮询周期：引擎只做非阻塞接收
const pollInterval = 10 * time.Millisecond

// getCmd 向对端发起单次GET请求并打印响应
var getCmd = &cobra.Command{
	Use:   "get <host> <port> <path>",
	Short: "发起单次GET请求",
	Args:  cobra.ExactArgs(3),
	RunE:  runGet,
}

func init() {
	getCmd.Flags().Bool("tcp", false, "使用CoAP over TCP")
	getCmd.Flags().Bool("non", false, "以NON发送（仅UDP）")
	getCmd.Flags().Duration("timeout", 2*time.Minute, "等待响应的总时长")
	getCmd.Flags().Int("hop-limit", 0, "单播TTL或跳数限制（0保持系统默认）")
	getCmd.Flags().String("interface", "", "绑定的网络接口名")
}

// interfacesCmd 列出可用于绑定的网络接口
var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "列出本机网络接口",
	RunE: func(cmd *cobra.Command, args []string) error {
		ifaces, err := transport.Interfaces()
		if err != nil {
			return err
		}
		for _, info := range ifaces {
			state := "down"
			if info.Up() {
				state = "up"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s index=%d mtu=%d %s %v\n", info.Name, info.Index, info.MTU, state, info.Addresses)
		}
		return nil
	},
}

// runGet 执行get命令：建立连接、发送请求、轮询直到收到终止结果
func runGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	host, port, path := args[0], args[1], args[2]
	useTCP, _ := cmd.Flags().GetBool("tcp")
	non, _ := cmd.Flags().GetBool("non")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	opts := transport.DefaultOptions()
	opts.HopLimit, _ = cmd.Flags().GetInt("hop-limit")
	opts.Interface, _ = cmd.Flags().GetString("interface")
	opts.Log = logger.Named("transport")
	var sock api.Socket
	if useTCP {
		sock = transport.NewTCPSocket(opts)
	} else {
		sock = transport.NewUDPSocket(opts)
	}
	if err := sock.Connect(host, port); err != nil {
		return err
	}

	sched := timer.NewScheduler(nil)
	newContext := coap.NewUDPContext
	if useTCP {
		newContext = coap.NewTCPContext
	}
	c, err := newContext(cfg, sock, sched, nil, coap.WithLogger(logger.Named("coap")))
	if err != nil {
		return multierr.Append(err, sock.Close())
	}
	defer c.Close()

	req := &exchange.Request{Code: message.GET, NonConfirmable: non}
	req.Options.SetPath(path)

	out := cmd.OutOrStdout()
	var (
		done   bool
		result error
	)
	_, err = c.Send(req, func(r *exchange.Response) {
		if r.Result == exchange.ResultPartialContent {
			fmt.Fprintf(out, "[%d] %s\n", r.Offset, tcp.EscapeString(r.Payload))
			return
		}
		done = true
		if r.Err != nil {
			result = r.Err
			return
		}
		fmt.Fprintf(out, "%s %s\n", r.Msg.Code.Dotted(), r.Msg.Code)
		if len(r.Payload) > 0 {
			fmt.Fprintln(out, tcp.EscapeString(r.Payload))
		}
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	for !done {
		if err := pump(ctx, c, sched); err != nil {
			return err
		}
	}
	if result != nil {
		logger.Warn("请求失败", log.String("path", path), log.Err(result))
	}
	return result
}

// pump 等待一个轮询周期或最早的定时任务，然后处理收到的数据与到期任务
func pump(ctx context.Context, c *coap.Context, sched *timer.Scheduler) error {
	wctx, cancel := context.WithTimeout(ctx, pollInterval)
	sched.Wait(wctx)
	cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.HandleIncoming(); err != nil {
		return err
	}
	sched.RunDue(sched.Now())
	return nil
}

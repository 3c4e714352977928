// Command sbl 协调器串口引导程序工具: 把镜像写入协调器闪存, 或把闪存读出到文件
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/bootloader"
	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/hardware"
	"github.com/bujia-iot/iot-zmqtt/pkg/serialport"
	"github.com/bujia-iot/iot-zmqtt/pkg/supervisor"
	"github.com/sirupsen/logrus"
)

// 退出码
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// usageError 参数错误, 打印用法后以 exitUsage 退出
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

type options struct {
	tty     string
	baud    int
	image   string
	memory  int
	program bool
	read    bool
	force   bool
}

// env 运行时依赖, 测试中替换为模拟器
type env struct {
	out      io.Writer
	link     supervisor.BootLinkFactory
	resetter hardware.Resetter
	bootOpts []bootloader.Option
}

func usage(w io.Writer, prog string) {
	fmt.Fprintln(w, "Zigbee coordinator serial bootloader")
	fmt.Fprintf(w, "Usage is: %s [options]\n", prog)
	fmt.Fprintln(w, "Options are:")
	fmt.Fprintf(w, "  -t, --tty      tty device (%s)\n", constants.SBLDefaultSerialPort)
	fmt.Fprintf(w, "  -b, --baud     baudrate (%d)\n", constants.SBLDefaultBaudRate)
	fmt.Fprintln(w, "  -i, --image    image file")
	fmt.Fprintln(w, "  -m, --memory   device flash memory size in kB (mandatory for read)")
	fmt.Fprintln(w, "  -p, --program  program device flash memory from the image file")
	fmt.Fprintln(w, "  -r, --read     read device flash memory to the image file")
	fmt.Fprintln(w, "  -f, --force    skip verification when programming (optional)")
	fmt.Fprintln(w, "  -h, --help     this message")
}

// parseArgs 解析并校验参数, 返回 flag.ErrHelp 或 *usageError
func parseArgs(prog string, args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet(prog, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	for _, name := range []string{"t", "tty"} {
		fs.StringVar(&o.tty, name, constants.SBLDefaultSerialPort, "")
	}
	for _, name := range []string{"b", "baud"} {
		fs.IntVar(&o.baud, name, constants.SBLDefaultBaudRate, "")
	}
	for _, name := range []string{"i", "image"} {
		fs.StringVar(&o.image, name, "", "")
	}
	for _, name := range []string{"m", "memory"} {
		fs.IntVar(&o.memory, name, 0, "")
	}
	for _, name := range []string{"p", "program"} {
		fs.BoolVar(&o.program, name, false, "")
	}
	for _, name := range []string{"r", "read"} {
		fs.BoolVar(&o.read, name, false, "")
	}
	for _, name := range []string{"f", "force"} {
		fs.BoolVar(&o.force, name, false, "")
	}

	if err := fs.Parse(args); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return o, err
		}
		return o, usageErrorf("%v", err)
	}

	switch {
	case fs.NArg() > 0:
		return o, usageErrorf("unexpected argument %q", fs.Arg(0))
	case o.image == "":
		return o, usageErrorf("no image file specified")
	case o.program && o.read:
		return o, usageErrorf("multiple operations selected")
	case !o.program && !o.read:
		return o, usageErrorf("no operation selected")
	case o.read && o.memory <= 0:
		return o, usageErrorf("memory size must be specified for read operation")
	case o.baud <= 0:
		return o, usageErrorf("invalid baudrate %d", o.baud)
	}
	return o, nil
}

func run(ctx context.Context, prog string, args []string, e env) int {
	o, err := parseArgs(prog, args)
	if err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			usage(e.out, prog)
			return exitOK
		}
		fmt.Fprintf(e.out, "error: %s\n", err)
		usage(e.out, prog)
		return exitUsage
	}

	log := logger.WithFields(logrus.Fields{
		"tty":   o.tty,
		"baud":  o.baud,
		"image": o.image,
	})

	link, err := e.link(o.tty, o.baud)
	if err != nil {
		log.WithField("error", err.Error()).Error("打开串口失败")
		return exitFailed
	}
	defer link.Close()

	opts := []bootloader.Option{
		bootloader.WithLogger(log),
		bootloader.WithForce(o.force),
		bootloader.WithResetter(e.resetter),
	}
	sess := bootloader.New(link, append(opts, e.bootOpts...)...)

	if err := sess.Handshake(ctx); err != nil {
		log.WithField("error", err.Error()).Error("未收到握手响应")
		return exitFailed
	}

	if o.program {
		image, err := os.ReadFile(o.image)
		if err != nil {
			log.WithField("error", err.Error()).Error("读取镜像文件失败")
			return exitFailed
		}
		if err := sess.Program(ctx, image); err != nil {
			log.WithField("error", err.Error()).Error("编程失败")
			return exitFailed
		}
		log.Info("编程完成")
		return exitOK
	}

	f, err := os.Create(o.image)
	if err != nil {
		log.WithField("error", err.Error()).Error("创建镜像文件失败")
		return exitFailed
	}
	defer f.Close()
	if err := sess.ReadDevice(ctx, o.memory, f); err != nil {
		log.WithField("error", err.Error()).Error("读取闪存失败")
		return exitFailed
	}
	log.WithField("memoryKiB", o.memory).Info("读取闪存完成")
	return exitOK
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e := env{
		out:  os.Stdout,
		link: supervisor.SerialBootLink(serialport.OpenSerial),
	}
	if err := hardware.Open(); err != nil {
		logger.WithField("error", err.Error()).Warn("GPIO不可用, 不复位协调器")
		e.resetter = hardware.NopResetter{}
	} else {
		defer hardware.Close()
		e.resetter = hardware.NewResetLine(hardware.BCMPin(constants.SBLResetPin), constants.SBLResetHold)
	}

	code := run(ctx, os.Args[0], os.Args[1:], e)
	stop()
	if code != exitOK {
		hardware.Close()
		os.Exit(code)
	}
}

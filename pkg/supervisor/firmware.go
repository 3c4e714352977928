package supervisor

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/bootloader"
	"github.com/bujia-iot/iot-zmqtt/pkg/constants"
	"github.com/bujia-iot/iot-zmqtt/pkg/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var versionPattern = regexp.MustCompile(`^v\d+\.?\d+\.?\d+`)

// ValidVersion 版本号以 vX.Y.Z 形式开头
func ValidVersion(v string) bool {
	return versionPattern.MatchString(v)
}

// AvailableVersion 读取版本文件第一行, 文件不存在时返回 ok=false
func AvailableVersion(path string) (version string, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if sc.Scan() {
		version = strings.TrimRight(sc.Text(), " \t\r\n")
	}
	if err := sc.Err(); err != nil {
		return "", false, err
	}
	return version, true, nil
}

// CheckFirmware 协调器上报当前固件版本后检查是否有更新版本, 进程内只执行一次
//
// 串口在检查期间关闭并在结束后重新打开. 返回值表示是否执行了刷写.
func (s *Supervisor) CheckFirmware(ctx context.Context, current string, sender Sender) bool {
	if !s.versionChecked.CompareAndSwap(false, true) {
		logger.WithField("version", current).Debug("固件版本已检查过")
		return false
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	s.Suspend()
	defer s.Resume()

	if err := s.transport.Close(); err != nil {
		logger.WithField("error", err.Error()).Warn("关闭串口失败")
	}

	flashed := false
	versionFile := filepath.Join(s.cfg.ImageDir, s.cfg.VersionFile)
	available, ok, err := AvailableVersion(versionFile)
	log := logger.WithFields(logrus.Fields{
		"current":     current,
		"versionFile": versionFile,
	})

	switch {
	case err != nil:
		log.WithField("error", err.Error()).Warn("读取版本文件失败")
	case !ok:
		log.Debug("没有可用的固件版本文件")
	case !ValidVersion(available):
		log.WithField("available", available).Warn("版本文件中的版本号无效")
	case available > current:
		log.WithField("available", available).Info("发现新固件, 开始升级")
		image := filepath.Join(s.cfg.ImageDir, s.cfg.ImageFile)
		if _, statErr := os.Stat(image); statErr != nil {
			log.WithField("image", image).Error("固件镜像不存在")
			break
		}
		if err := s.program(ctx, image, true); err != nil {
			log.WithField("error", err.Error()).Error("固件升级失败")
		}
		flashed = true
	default:
		log.WithField("available", available).Info("固件已是最新版本")
	}

	if err := s.transport.Open(); err != nil {
		logger.WithField("error", err.Error()).Error("重新打开串口失败")
		return flashed
	}
	if flashed {
		s.restartApp(sender)
	}
	return flashed
}

// Flash 按名称刷写镜像目录下的固件, 写入后回读校验
func (s *Supervisor) Flash(ctx context.Context, file string, sender Sender) error {
	name := filepath.Base(file)
	if name == "." || name == string(filepath.Separator) {
		return errors.New(errors.ErrInvalidParameter, "无效的固件文件名 <"+file+">")
	}
	image := filepath.Join(s.cfg.ImageDir, name)

	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	s.Suspend()
	defer s.Resume()

	if err := s.transport.Close(); err != nil {
		logger.WithField("error", err.Error()).Warn("关闭串口失败")
	}

	flashErr := s.program(ctx, image, false)
	if flashErr != nil {
		logger.WithFields(logrus.Fields{
			"image": image,
			"error": flashErr.Error(),
		}).Error("固件刷写失败")
	}

	if err := s.transport.Open(); err != nil {
		logger.WithField("error", err.Error()).Error("重新打开串口失败")
		if flashErr == nil {
			flashErr = err
		}
		return flashErr
	}
	s.restartApp(sender)
	return flashErr
}

// program 在独立链路上完成握手, 写入与使能
func (s *Supervisor) program(ctx context.Context, image string, force bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	link, err := s.bootLink(s.transport.Name(), s.transport.BaudRate())
	if err != nil {
		return err
	}
	defer link.Close()

	log := logger.WithFields(logrus.Fields{
		"updateId": uuid.NewString(),
		"image":    image,
		"force":    force,
	})
	opts := []bootloader.Option{
		bootloader.WithForce(force),
		bootloader.WithResetter(s.resetter),
		bootloader.WithLogger(log),
		bootloader.WithProgressCallback(progressLogger(log)),
	}
	if s.cfg.DumpReadback {
		opts = append(opts, bootloader.WithDumpPath(image+constants.SBLVerifyDumpSuffix))
	}
	opts = append(opts, s.bootOpts...)

	s.updates.Add(1)
	start := time.Now()
	if err := bootloader.New(link, opts...).ProgramFile(ctx, image); err != nil {
		return err
	}
	log.WithField("elapsed", time.Since(start).String()).Info("固件刷写完成")
	return nil
}

// restartApp 升级结束后让协调器回到应用程序并重新发送ready
func (s *Supervisor) restartApp(sender Sender) {
	s.ResetApp()
	s.sleep(readyAfterReset)
	if err := sender.Send(constants.AppMsgReady); err != nil {
		logger.WithField("error", err.Error()).Warn("ready发送失败")
	}
}

// progressLogger 每完成10%记录一次
func progressLogger(log logrus.FieldLogger) bootloader.ProgressCallback {
	last := map[bootloader.Phase]int{}
	return func(p bootloader.Progress) {
		step := int(p.Percentage) / 10
		if prev, seen := last[p.Phase]; seen && prev == step {
			return
		}
		last[p.Phase] = step
		log.WithFields(logrus.Fields{
			"phase":   p.Phase,
			"done":    p.Done,
			"total":   p.Total,
			"percent": step * 10,
		}).Debug("刷写进度")
	}
}

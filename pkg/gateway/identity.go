package gateway

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bujia-iot/iot-zmqtt/pkg/errors"
	"github.com/bujia-iot/iot-zmqtt/pkg/registry"
)

// SysNetRoot 网卡信息目录
const SysNetRoot = "/sys/class/net"

// ResolveGatewayID 确定网关ID: 配置了 id 时直接使用, 否则读取网卡MAC
//
// root 为空时使用 SysNetRoot.
func ResolveGatewayID(configured, iface, root string) (string, error) {
	if id := strings.ToLower(strings.TrimSpace(configured)); id != "" {
		return id, nil
	}
	if root == "" {
		root = SysNetRoot
	}

	path := filepath.Join(root, iface, "address")
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(errors.ErrGatewayIDUnavailable, "读取网卡地址失败 "+path, err)
	}
	mac := strings.ToLower(strings.TrimSpace(string(raw)))
	id, ok := registry.GatewayMACToID(mac)
	if !ok {
		return "", errors.New(errors.ErrGatewayIDUnavailable, "无效的网卡地址 <"+mac+">")
	}
	return id, nil
}

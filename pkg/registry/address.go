package registry

import (
	"strings"
)

// 节点MAC为8个以冒号分隔的十六进制字节, 每字节1~2位
// NodeID 为逐字节补零后拼接的16位十六进制串

const (
	NodeMACOctets    = 8
	GatewayMACOctets = 6
)

// MacToNodeID 将节点MAC转换为16位节点ID, 格式错误时返回 ("", false)
func MacToNodeID(mac string) (string, bool) {
	return octetsToID(mac, NodeMACOctets)
}

// GatewayMACToID 将6字节网卡MAC转换为12位网关ID
func GatewayMACToID(mac string) (string, bool) {
	return octetsToID(mac, GatewayMACOctets)
}

// NodeIDToMac 将16位节点ID还原为MAC, 每字节去掉前导0
func NodeIDToMac(nid string) (string, bool) {
	if len(nid) != NodeMACOctets*2 {
		return "", false
	}
	return idToMac(nid)
}

// IDToMac 将任意偶数长度的ID还原为MAC
func IDToMac(id string) (string, bool) {
	if len(id) == 0 || len(id)%2 != 0 {
		return "", false
	}
	return idToMac(id)
}

func idToMac(id string) (string, bool) {
	if !isHex(id) {
		return "", false
	}
	parts := make([]string, 0, len(id)/2)
	for i := 0; i < len(id); i += 2 {
		hi, lo := id[i], id[i+1]
		if hi == '0' {
			parts = append(parts, string(lo))
		} else {
			parts = append(parts, string([]byte{hi, lo}))
		}
	}
	return strings.Join(parts, ":"), true
}

func octetsToID(mac string, octets int) (string, bool) {
	parts := strings.Split(mac, ":")
	if len(parts) != octets {
		return "", false
	}

	var sb strings.Builder
	sb.Grow(octets * 2)
	for _, p := range parts {
		if len(p) == 0 || len(p) > 2 || !isHex(p) {
			return "", false
		}
		if len(p) == 1 {
			sb.WriteByte('0')
		}
		sb.WriteString(p)
	}
	return sb.String(), true
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

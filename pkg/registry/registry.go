// Package registry 维护节点ID到MAC/网络地址的映射以及协调器身份
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/sirupsen/logrus"
)

// DeviceRecord 设备记录
type DeviceRecord struct {
	NodeID         string    `json:"nodeId"`
	MacAddress     string    `json:"macAddress,omitempty"`
	NetworkAddress string    `json:"networkAddress,omitempty"`
	Role           string    `json:"role,omitempty"`
	IsCoordinator  bool      `json:"isCoordinator"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store 设备记录的持久化镜像, 写入失败不影响内存状态
type Store interface {
	SaveDevice(ctx context.Context, rec DeviceRecord) error
}

// AnnouncementKind 协调器地址公告类型, 同时是主题的最后一段
type AnnouncementKind string

const (
	AnnounceMAC AnnouncementKind = "MAC"
	AnnounceNWK AnnouncementKind = "NWK"
)

// Announcement 需要发布到网关主题的协调器地址
type Announcement struct {
	Kind  AnnouncementKind
	Value string
}

const storeTimeout = 2 * time.Second

// Registry 设备注册表, 并发安全
type Registry struct {
	mu          sync.RWMutex
	records     map[string]*DeviceRecord
	coordinator string
	macSent     bool
	nwkSent     bool

	store Store
	now   func() time.Time
}

// New 创建注册表, store 可以为 nil
func New(store Store) *Registry {
	return &Registry{
		records: make(map[string]*DeviceRecord),
		store:   store,
		now:     time.Now,
	}
}

func (r *Registry) recordLocked(nid string) *DeviceRecord {
	rec, ok := r.records[nid]
	if !ok {
		rec = &DeviceRecord{NodeID: nid}
		r.records[nid] = rec
	}
	rec.UpdatedAt = r.now()
	return rec
}

// RecordIdentity 记录节点MAC
func (r *Registry) RecordIdentity(nid, mac string) {
	r.mu.Lock()
	rec := r.recordLocked(nid)
	rec.MacAddress = mac
	snapshot := *rec
	r.mu.Unlock()

	r.persist(snapshot)
}

// RecordNetworkAddress 记录节点网络地址
func (r *Registry) RecordNetworkAddress(nid, nwk string) {
	r.mu.Lock()
	rec := r.recordLocked(nid)
	rec.NetworkAddress = nwk
	snapshot := *rec
	r.mu.Unlock()

	r.persist(snapshot)
}

// RecordRole 记录节点角色描述
func (r *Registry) RecordRole(nid, role string) {
	r.mu.Lock()
	rec := r.recordLocked(nid)
	rec.Role = role
	snapshot := *rec
	r.mu.Unlock()

	r.persist(snapshot)
}

// LookupMac 查询节点MAC
func (r *Registry) LookupMac(nid string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[nid]
	if !ok || rec.MacAddress == "" {
		return "", false
	}
	return rec.MacAddress, true
}

// LookupNetworkAddress 查询节点网络地址
func (r *Registry) LookupNetworkAddress(nid string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[nid]
	if !ok || rec.NetworkAddress == "" {
		return "", false
	}
	return rec.NetworkAddress, true
}

// MarkCoordinator 标记协调器, 之前的协调器标记被清除
func (r *Registry) MarkCoordinator(nid string) {
	r.mu.Lock()
	if prev, ok := r.records[r.coordinator]; ok && r.coordinator != nid {
		prev.IsCoordinator = false
	}
	r.coordinator = nid
	rec := r.recordLocked(nid)
	rec.IsCoordinator = true
	snapshot := *rec
	r.mu.Unlock()

	logger.WithField("nid", nid).Info("协调器已确认")
	r.persist(snapshot)
}

// CoordinatorID 协调器节点ID
func (r *Registry) CoordinatorID() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.coordinator, r.coordinator != ""
}

// IsCoordinator 判断节点是否为协调器
func (r *Registry) IsCoordinator(nid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.coordinator != "" && r.coordinator == nid
}

// PendingCoordinatorAnnouncements 返回当前需要发布的协调器地址并置位已发送标记
//
// 协调器身份与对应地址都已知时才返回, MAC 与 NWK 在进程生命周期内各最多返回一次.
func (r *Registry) PendingCoordinatorAnnouncements() []Announcement {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.coordinator == "" {
		return nil
	}
	rec, ok := r.records[r.coordinator]
	if !ok {
		return nil
	}

	var out []Announcement
	if !r.macSent && rec.MacAddress != "" {
		r.macSent = true
		out = append(out, Announcement{Kind: AnnounceMAC, Value: rec.MacAddress})
	}
	if !r.nwkSent && rec.NetworkAddress != "" {
		r.nwkSent = true
		out = append(out, Announcement{Kind: AnnounceNWK, Value: rec.NetworkAddress})
	}
	return out
}

// Snapshot 按节点ID排序返回全部记录副本
func (r *Registry) Snapshot() []DeviceRecord {
	r.mu.RLock()
	out := make([]DeviceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Len 记录数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) persist(rec DeviceRecord) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.SaveDevice(ctx, rec); err != nil {
		logger.WithFields(logrus.Fields{
			"nid":   rec.NodeID,
			"error": err.Error(),
		}).Warn("设备记录持久化失败")
	}
}

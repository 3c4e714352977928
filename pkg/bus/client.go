// Package bus 封装 paho MQTT 客户端
//
// 连接成功(包括自动重连)后重新订阅全部命令主题, 收到的消息交给 CommandHandler.
package bus

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/errors"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultKeepAlive      = 60 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultQuiesceMs      = 250
	connectRetryInterval  = 5 * time.Second
)

// CommandHandler 处理一条收到的命令
type CommandHandler func(topic string, payload []byte)

// Config 客户端配置
type Config struct {
	Broker         string
	ClientID       string // 实际使用时追加随机后缀
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	QuiesceMs      uint
	Topics         []string
	SubscribeQoS   byte
}

// ClientFactory 根据选项创建底层客户端
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Stats 客户端统计
type Stats struct {
	Broker     string `json:"broker"`
	ClientID   string `json:"clientId"`
	Connected  bool   `json:"connected"`
	Published  uint64 `json:"published"`
	Received   uint64 `json:"received"`
	Failed     uint64 `json:"publishFailed"`
	ConnectCnt uint64 `json:"connects"`
}

// Client MQTT客户端
type Client struct {
	cfg      Config
	clientID string
	handler  CommandHandler
	client   mqtt.Client

	published atomic.Uint64
	received  atomic.Uint64
	failed    atomic.Uint64
	connects  atomic.Uint64
}

// Option 客户端选项
type Option func(*clientSetup)

type clientSetup struct {
	factory ClientFactory
}

// WithClientFactory 替换底层客户端的创建方式
func WithClientFactory(f ClientFactory) Option {
	return func(s *clientSetup) { s.factory = f }
}

// New 创建客户端, 不会立即连接
func New(cfg Config, handler CommandHandler, opts ...Option) *Client {
	setup := clientSetup{factory: mqtt.NewClient}
	for _, opt := range opts {
		opt(&setup)
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.QuiesceMs == 0 {
		cfg.QuiesceMs = defaultQuiesceMs
	}

	c := &Client{
		cfg:      cfg,
		clientID: UniqueClientID(cfg.ClientID),
		handler:  handler,
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(cfg.Broker)
	o.SetClientID(c.clientID)
	if cfg.Username != "" {
		o.SetUsername(cfg.Username)
		o.SetPassword(cfg.Password)
	}
	o.SetKeepAlive(cfg.KeepAlive)
	o.SetConnectTimeout(cfg.ConnectTimeout)
	o.SetCleanSession(true)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(connectRetryInterval)
	o.SetOnConnectHandler(c.onConnect)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithField("error", err.Error()).Warn("MQTT连接断开")
	})
	o.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Info("正在重新连接MQTT代理")
	})

	c.client = setup.factory(o)
	return c
}

// UniqueClientID 在客户端ID后追加随机后缀, 避免多个实例互相踢下线
func UniqueClientID(base string) string {
	if base == "" {
		base = "zmqtt"
	}
	return fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
}

// ClientID 实际使用的客户端ID
func (c *Client) ClientID() string {
	return c.clientID
}

// Connect 连接代理, 在连接超时内等待结果
func (c *Client) Connect() error {
	log := logger.WithFields(logrus.Fields{
		"broker":   c.cfg.Broker,
		"clientId": c.clientID,
	})
	log.Info("连接MQTT代理")

	token := c.client.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return errors.New(errors.ErrBusConnectionFailed, "连接MQTT代理超时")
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(errors.ErrBusConnectionFailed, "连接MQTT代理失败", err)
	}
	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	if c.client.IsConnected() {
		c.client.Disconnect(c.cfg.QuiesceMs)
	}
	logger.Info("MQTT连接已关闭")
}

// IsConnected 是否已连接
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Publish 发布一条消息
func (c *Client) Publish(topic, payload string, qos byte, retain bool) error {
	token := c.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.failed.Add(1)
		return errors.New(errors.ErrBusPublishFailed, "发布超时 <"+topic+">")
	}
	if err := token.Error(); err != nil {
		c.failed.Add(1)
		return errors.Wrap(errors.ErrBusPublishFailed, "发布失败 <"+topic+">", err)
	}
	c.published.Add(1)
	return nil
}

// Stats 返回统计快照
func (c *Client) Stats() Stats {
	return Stats{
		Broker:     c.cfg.Broker,
		ClientID:   c.clientID,
		Connected:  c.client.IsConnected(),
		Published:  c.published.Load(),
		Received:   c.received.Load(),
		Failed:     c.failed.Load(),
		ConnectCnt: c.connects.Load(),
	}
}

func (c *Client) onConnect(cl mqtt.Client) {
	c.connects.Add(1)
	logger.WithField("broker", c.cfg.Broker).Info("已连接MQTT代理")

	for _, topic := range c.cfg.Topics {
		token := cl.Subscribe(topic, c.cfg.SubscribeQoS, c.onMessage)
		// 在回调中不能同步等待订阅结果, 改为异步记录
		go func(topic string, token mqtt.Token) {
			token.Wait()
			if err := token.Error(); err != nil {
				logger.WithFields(logrus.Fields{
					"topic": topic,
					"error": err.Error(),
				}).Error("订阅失败")
				return
			}
			logger.WithField("topic", topic).Debug("已订阅")
		}(topic, token)
	}
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.received.Add(1)
	if c.handler == nil {
		return
	}
	c.handler(msg.Topic(), msg.Payload())
}

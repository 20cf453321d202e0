package contacts

import (
	"sync"

	goset "github.com/deckarep/golang-set/v2"
	deferred "github.com/fioman/deferred-ops"
	"go.uber.org/zap"
)

// 成员变化的附加信息
type ChangeDetails struct {
	Actor   *Contact
	Reason  string
	Message string
}

// 成员变化事件
type MembersChanged struct {
	Added   goset.Set[*Contact]
	Removed goset.Set[*Contact]
	Details ChangeDetails
}

// 成员变化的订阅者
type MembersListener func(MembersChanged)

// 联系人目录
//
// 两个工厂方法只分配一个等待中的结果，不做查找、缓存或去重。
// 配置了登记表时，结果会登记在登记表中，由测试按凭证完成。
type Directory struct {
	features  goset.Set[Feature]
	registry  deferred.Registry[[]*Contact]
	logger    *zap.Logger
	listeners []MembersListener
	lock      sync.Mutex
}

type DirectoryOption func(*Directory)

// 设置支持的能力
func WithFeatures(features ...Feature) DirectoryOption {
	return func(d *Directory) {
		d.features = goset.NewSet(features...)
	}
}

func WithRegistry(registry deferred.Registry[[]*Contact]) DirectoryOption {
	return func(d *Directory) {
		d.registry = registry
	}
}

func WithLogger(logger *zap.Logger) DirectoryOption {
	return func(d *Directory) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func NewDirectory(options ...DirectoryOption) *Directory {
	d := &Directory{
		features: goset.NewSet[Feature](),
		logger:   zap.NewNop(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// 返回支持的能力的副本
func (d *Directory) SupportedFeatures() goset.Set[Feature] {
	return d.features.Clone()
}

func (d *Directory) ResolveByHandles(handles []uint, features ...Feature) *Result {
	return d.newResult(Request{
		Kind:     RequestHandles,
		Handles:  append([]uint(nil), handles...),
		Features: features,
	})
}

func (d *Directory) ResolveByIdentifiers(identifiers []string, features ...Feature) *Result {
	return d.newResult(Request{
		Kind:        RequestIdentifiers,
		Identifiers: append([]string(nil), identifiers...),
		Features:    features,
	})
}

func (d *Directory) RefreshContacts(contacts []*Contact, features ...Feature) *Result {
	return d.newResult(Request{
		Kind:     RequestContacts,
		Contacts: append([]*Contact(nil), contacts...),
		Features: features,
	})
}

func (d *Directory) newResult(request Request) *Result {
	op := deferred.New(deferred.WithLogger[[]*Contact](d.logger))
	if d.registry != nil {
		if err := d.registry.Track(op); err != nil {
			d.logger.Warn("tracking contacts operation failed", zap.String("ticket", op.ID()), zap.Error(err))
		}
	}
	d.logger.Debug("contacts operation created",
		zap.String("ticket", op.ID()),
		zap.Int("kind", int(request.Kind)),
		zap.Int("features", len(request.Features)))
	request.Features = append([]Feature(nil), request.Features...)
	return NewResult(op, request)
}

// 订阅成员变化
func (d *Directory) OnMembersChanged(fn MembersListener) {
	if fn == nil {
		return
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.listeners = append(d.listeners, fn)
}

// 按订阅顺序同步广播成员变化
func (d *Directory) EmitMembersChanged(event MembersChanged) {
	if event.Added == nil {
		event.Added = goset.NewSet[*Contact]()
	}
	if event.Removed == nil {
		event.Removed = goset.NewSet[*Contact]()
	}

	d.lock.Lock()
	listeners := append([]MembersListener(nil), d.listeners...)
	d.lock.Unlock()

	d.logger.Debug("members changed",
		zap.Int("added", event.Added.Cardinality()),
		zap.Int("removed", event.Removed.Cardinality()),
		zap.String("reason", event.Details.Reason))
	for _, listener := range listeners {
		listener(event)
	}
}

package router

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/types"
)

// RecipientTarget expands to the message recipient.
const RecipientTarget = "$recipient"

// Rule maps messages to channels. Empty patterns match anything; patterns
// use shell glob syntax (path.Match).
type Rule struct {
	Name             string   `yaml:"name" json:"name"`
	TypePattern      string   `yaml:"type" json:"type_pattern,omitempty"`
	RecipientPattern string   `yaml:"recipient" json:"recipient_pattern,omitempty"`
	Targets          []string `yaml:"targets" json:"targets"`
	Default          bool     `yaml:"default" json:"default,omitempty"`
}

// DirectRule routes any addressed message to the channel named by its recipient.
func DirectRule() Rule {
	return Rule{Name: "direct", RecipientPattern: "?*", Targets: []string{RecipientTarget}}
}

func (r Rule) validate() error {
	if len(r.Targets) == 0 {
		return types.Errorf(types.ErrInvalidInput, "rule %q has no targets", r.Name)
	}
	for _, t := range r.Targets {
		if t == "" {
			return types.Errorf(types.ErrInvalidInput, "rule %q has an empty target", r.Name)
		}
	}
	for _, p := range []string{r.TypePattern, r.RecipientPattern} {
		if _, err := path.Match(p, ""); err != nil {
			return types.Errorf(types.ErrInvalidInput, "rule %q: bad pattern %q", r.Name, p).WithCause(err)
		}
	}
	return nil
}

func match(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	ok, _ := path.Match(pattern, value)
	return ok
}

func (r Rule) matches(msg *types.Message) bool {
	return match(r.TypePattern, msg.Type) && match(r.RecipientPattern, msg.Recipient)
}

// expand resolves targets for msg, dropping $recipient for broadcasts and
// duplicate channels.
func (r Rule) expand(msg *types.Message) []string {
	out := make([]string, 0, len(r.Targets))
	for _, t := range r.Targets {
		if t == RecipientTarget {
			if msg.Recipient == "" {
				continue
			}
			t = msg.Recipient
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// Publisher delivers a message to one channel. The broker implements it.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg *types.Message) error
}

// SendResult reports per-channel outcome of a fan-out.
type SendResult struct {
	Delivered []string         `json:"delivered"`
	Failed    map[string]error `json:"-"`
}

// Config 路由配置
type Config struct {
	// 启动时注册的规则，按顺序匹配
	Rules []Rule `yaml:"rules" json:"rules"`
}

// Router resolves destination channels from an ordered rule list.
type Router struct {
	publisher Publisher
	logger    *zap.Logger

	mu    sync.RWMutex
	rules []Rule
	def   *Rule
}

// New creates a router and registers cfg.Rules in order.
func New(cfg Config, publisher Publisher, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		publisher: publisher,
		logger:    logger.With(zap.String("component", "router")),
	}
	for _, rule := range cfg.Rules {
		if err := r.AddRule(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddRule appends a rule. Only one default rule is allowed.
func (r *Router) AddRule(rule Rule) error {
	if err := rule.validate(); err != nil {
		return err
	}
	rule.Targets = slices.Clone(rule.Targets)

	r.mu.Lock()
	defer r.mu.Unlock()

	if rule.Default {
		if r.def != nil {
			return types.Errorf(types.ErrInvalidInput,
				"default rule already registered (%q)", r.def.Name)
		}
		r.def = &rule
	} else {
		r.rules = append(r.rules, rule)
	}

	r.logger.Debug("routing rule added",
		zap.String("rule", rule.Name),
		zap.Strings("targets", rule.Targets),
		zap.Bool("default", rule.Default),
	)
	return nil
}

// RemoveRule removes the first rule with the given name, including the
// default rule. It reports whether a rule was removed.
func (r *Router) RemoveRule(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := slices.IndexFunc(r.rules, func(rule Rule) bool { return rule.Name == name }); i >= 0 {
		r.rules = slices.Delete(r.rules, i, i+1)
		return true
	}
	if r.def != nil && r.def.Name == name {
		r.def = nil
		return true
	}
	return false
}

// Rules returns the rules in match order, default last.
func (r *Router) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Clone(r.rules)
	if r.def != nil {
		out = append(out, *r.def)
	}
	return out
}

// Resolve returns the destination channels for msg: the targets of the first
// matching rule, otherwise the default rule's, otherwise UNROUTABLE_MESSAGE.
func (r *Router) Resolve(msg *types.Message) ([]string, error) {
	if msg == nil {
		return nil, types.NewError(types.ErrInvalidInput, "message is nil")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if !rule.matches(msg) {
			continue
		}
		if targets := rule.expand(msg); len(targets) > 0 {
			return targets, nil
		}
	}
	if r.def != nil {
		if targets := r.def.expand(msg); len(targets) > 0 {
			return targets, nil
		}
	}
	return nil, types.Errorf(types.ErrUnroutableMessage,
		"no route for message type=%q recipient=%q", msg.Type, msg.Recipient)
}

// Send resolves msg and publishes it to every destination independently.
// A failure on one channel does not undo delivery to another; the returned
// error joins every per-channel failure.
func (r *Router) Send(ctx context.Context, msg *types.Message) (SendResult, error) {
	targets, err := r.Resolve(msg)
	if err != nil {
		r.logger.Warn("unroutable message", zap.Error(err))
		return SendResult{}, err
	}
	if r.publisher == nil {
		return SendResult{}, types.NewError(types.ErrInternalError, "router has no publisher")
	}

	// 所有目标频道共享同一 ID
	base := msg.Clone()
	if base.ID == "" {
		base.ID = uuid.NewString()
	}
	if base.Timestamp.IsZero() {
		base.Timestamp = time.Now()
	}

	res := SendResult{Failed: make(map[string]error)}
	var errs []error
	for _, ch := range targets {
		if err := r.publisher.Publish(ctx, ch, base.Clone()); err != nil {
			res.Failed[ch] = err
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
			r.logger.Warn("fan-out publish failed",
				zap.String("channel", ch),
				zap.String("message_id", base.ID),
				zap.Error(err),
			)
			continue
		}
		res.Delivered = append(res.Delivered, ch)
	}
	return res, errors.Join(errs...)
}

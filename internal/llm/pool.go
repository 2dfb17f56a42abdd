package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lotas/tabtree/internal/applog"
	"github.com/lotas/tabtree/internal/schedule"
)

// DefaultModels is the builtin pool, tried in order.
var DefaultModels = []string{
	"Qwen/Qwen3-8B",
	"THUDM/glm-4-9b-chat",
	"THUDM/GLM-Z1-9B-0414",
	"THUDM/GLM-4-9B-0414",
	"tencent/Hunyuan-MT-7B",
	"internlm/internlm2_5-7b-chat",
	"THUDM/GLM-4.1V-9B-Thinking",
	"deepseek-ai/DeepSeek-R1-Distill-Qwen-7B",
	"deepseek-ai/DeepSeek-R1-0528-Qwen3-8B",
}

const (
	DefaultBuiltinURL = "https://aichattree-api.czx-ai.workers.dev/v1"
	DefaultCooldown   = 60 * time.Second
)

// ErrPoolExhausted is returned when every model was cooling down or failed.
var ErrPoolExhausted = errors.New("no model in the pool produced a title")

// Pool walks a fixed list of models behind one endpoint, parking a model
// for a cooldown period after it answers 429. Cooldowns live only in
// memory.
type Pool struct {
	client   *Client
	baseURL  string
	models   []string
	cooldown time.Duration
	clock    schedule.Clock

	mu    sync.Mutex
	until map[string]time.Time
}

// NewPool returns a pool over models at baseURL. A zero cooldown uses
// DefaultCooldown.
func NewPool(client *Client, baseURL string, models []string, cooldown time.Duration, clock schedule.Clock) *Pool {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if clock == nil {
		clock = schedule.Real{}
	}
	return &Pool{
		client:   client,
		baseURL:  baseURL,
		models:   append([]string(nil), models...),
		cooldown: cooldown,
		clock:    clock,
		until:    make(map[string]time.Time),
	}
}

// Title returns the first title any available model produces.
func (p *Pool) Title(ctx context.Context, text string) (string, error) {
	for _, model := range p.models {
		if p.coolingDown(model) {
			applog.Info("llm.pool.skip", "model", model)
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		title, err := p.client.GenerateTitle(ctx, Endpoint{BaseURL: p.baseURL, Model: model}, text)
		if err == nil {
			applog.Info("llm.pool.ok", "model", model)
			return title, nil
		}
		if errors.Is(err, ErrRateLimited) {
			p.park(model)
			applog.Warn("llm.pool.ratelimited", "model", model, "cooldown", p.cooldown)
			continue
		}
		applog.Error("llm.pool.call", err, "model", model)
	}
	return "", ErrPoolExhausted
}

// CoolingDown reports whether model is currently parked.
func (p *Pool) CoolingDown(model string) bool {
	return p.coolingDown(model)
}

func (p *Pool) coolingDown(model string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.until[model]
	if !ok {
		return false
	}
	if p.clock.Now().Before(until) {
		return true
	}
	delete(p.until, model)
	return false
}

func (p *Pool) park(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.until[model] = p.clock.Now().Add(p.cooldown)
}

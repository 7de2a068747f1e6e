package usecase

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"parley/internal/domain"
)

// TokenCounter estimates prompt size in tokens.
type TokenCounter interface {
	CountMessages(msgs []domain.Message) int
}

// perMessageOverhead approximates the per-message framing tokens the
// provider wire formats add around content.
const perMessageOverhead = 4

// TiktokenCounter counts with the cl100k_base BPE, which tracks the
// tokenizers of the supported backends closely enough for budgeting.
// Falls back to a bytes/4 heuristic when the encoding cannot be
// initialised, so counting never fails.
type TiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter. Encoding setup is lazy; the
// first count pays it.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{}
}

func (c *TiktokenCounter) CountMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += c.countText(m.Content)
		for _, tc := range m.ToolCalls {
			total += c.countText(tc.Name)
			total += c.countText(string(tc.Arguments))
		}
	}
	return total
}

func (c *TiktokenCounter) countText(s string) int {
	if s == "" {
		return 0
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return (len(s) + 3) / 4
	}
	return len(c.enc.Encode(s, nil, nil))
}

// PromptGuardConfig tunes the token budget.
type PromptGuardConfig struct {
	// MaxTokens is the model context window to budget against.
	MaxTokens int
	// ReserveTokens is held back for the model's reply.
	ReserveTokens int
	// SafetyMargin discounts the window to absorb estimate error,
	// e.g. 0.15 = 15%.
	SafetyMargin float64
}

// PromptGuard keeps an assembled prompt inside the token budget by
// dropping its oldest history groups. The opening directive is never
// dropped. The guard operates on the outgoing request only; the
// checkpointed history is never touched.
type PromptGuard struct {
	maxTokens     int
	reserveTokens int
	safetyMargin  float64
	counter       TokenCounter
	logger        *slog.Logger
}

// NewPromptGuard creates a prompt guard.
func NewPromptGuard(cfg PromptGuardConfig, counter TokenCounter, logger *slog.Logger) *PromptGuard {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 0.15
	}
	if cfg.SafetyMargin > 0.5 {
		cfg.SafetyMargin = 0.5
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = 1000
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 100000
	}
	return &PromptGuard{
		maxTokens:     cfg.MaxTokens,
		reserveTokens: cfg.ReserveTokens,
		safetyMargin:  cfg.SafetyMargin,
		counter:       counter,
		logger:        logger,
	}
}

// Limit returns the usable prompt budget in tokens.
func (g *PromptGuard) Limit() int {
	return int(float64(g.maxTokens)*(1-g.safetyMargin)) - g.reserveTokens
}

// Fit returns msgs unchanged when within budget. Over budget it drops
// atomic groups from the oldest end (keeping the directive) until the
// prompt fits. When even the directive plus the newest group exceeds
// the budget it returns ErrContextOverflow.
func (g *PromptGuard) Fit(msgs []domain.Message) ([]domain.Message, error) {
	limit := g.Limit()
	tokens := g.counter.CountMessages(msgs)
	if tokens <= limit {
		return msgs, nil
	}

	var directive []domain.Message
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == domain.RoleDirective {
		directive = msgs[:1]
		rest = msgs[1:]
	}

	groups := groupMessages(rest)
	dropped := 0
	for {
		candidate := make([]domain.Message, 0, len(msgs))
		candidate = append(candidate, directive...)
		for _, grp := range groups {
			candidate = append(candidate, grp...)
		}

		if g.counter.CountMessages(candidate) <= limit {
			g.logger.Warn("prompt over token budget, dropped oldest history",
				"dropped_groups", dropped,
				"tokens_before", tokens,
				"limit", limit,
			)
			return candidate, nil
		}
		if len(groups) <= 1 {
			return nil, fmt.Errorf("prompt guard: %d tokens over limit %d: %w",
				tokens, limit, domain.ErrContextOverflow)
		}
		groups = groups[1:]
		dropped++
	}
}

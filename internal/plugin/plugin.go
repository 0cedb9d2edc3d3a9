package plugin

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/tts-gateway/internal/audio"
	"github.com/lexiqai/tts-gateway/internal/config"
	"github.com/lexiqai/tts-gateway/internal/observability"
	"github.com/lexiqai/tts-gateway/internal/resilience"
	"github.com/lexiqai/tts-gateway/internal/settings"
	"github.com/lexiqai/tts-gateway/internal/tts"
)

// ClientFactory builds a synthesizer for the given credentials and voice.
type ClientFactory func(creds tts.Credentials, params tts.VoiceParameters) tts.Synthesizer

type activeClient struct {
	synth    tts.Synthesizer
	settings settings.Settings
}

// Plugin answers chat commands with XFYun synthesis.
type Plugin struct {
	factory ClientFactory
	store   *settings.Store
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex // serializes reconfiguration
	active atomic.Pointer[activeClient]
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithTimeout sets the per-request synthesis budget.
func WithTimeout(d time.Duration) Option {
	return func(p *Plugin) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(p *Plugin) {
		p.breaker = cb
	}
}

// WithLogger sets the plugin logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Plugin) {
		p.logger = logger
	}
}

// NewBreaker returns a breaker that only counts provider-side failures and
// reports its state to Prometheus.
func NewBreaker(maxFailures int, resetTimeout time.Duration) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker("xfyun", maxFailures, resetTimeout,
		resilience.WithFailurePredicate(countsAgainstBreaker),
		resilience.WithStateChange(func(name string, _, to resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(to))
		}),
		resilience.WithFailureHook(observability.IncrementCircuitBreakerFailures),
	)
}

// New loads persisted settings from store, overlays them on base, and
// builds the first client.
func New(factory ClientFactory, store *settings.Store, base settings.Settings, opts ...Option) (*Plugin, error) {
	p := &Plugin{
		factory: factory,
		store:   store,
		timeout: tts.DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = NewBreaker(5, 30*time.Second)
	}

	saved, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load plugin settings: %w", err)
	}
	p.install(base.Merge(saved))

	return p, nil
}

func (p *Plugin) install(s settings.Settings) {
	p.active.Store(&activeClient{
		synth:    p.factory(s.Credentials(), s.VoiceParameters()),
		settings: s,
	})
}

// Settings returns the settings of the active client.
func (p *Plugin) Settings() settings.Settings {
	return p.active.Load().settings
}

// Breaker exposes the circuit breaker for readiness checks.
func (p *Plugin) Breaker() *resilience.CircuitBreaker {
	return p.breaker
}

// HandleMessage dispatches a chat message. Messages that are not plugin
// commands come back with Handled false and no replies.
func (p *Plugin) HandleMessage(ctx context.Context, msg Message) Result {
	text := strings.TrimSpace(msg.Text)
	command, args := splitCommand(text)

	ctx, correlationID := observability.EnsureCorrelationID(ctx)
	logger := p.logger.With().
		Str("correlation_id", correlationID).
		Str("message_id", msg.ID).
		Str("sender_id", msg.SenderID).
		Str("command", command).
		Logger()

	switch command {
	case CommandAPIConfig:
		observability.RecordCommand("apicfg")
		return p.handleAPIConfig(args, logger)
	case CommandTTSConfig:
		observability.RecordCommand("ttscfg")
		return p.handleTTSConfig(args, logger)
	case CommandTTS:
		observability.RecordCommand("tts")
		return p.handleTTS(ctx, args, logger)
	default:
		return Result{}
	}
}

func splitCommand(text string) (string, string) {
	idx := strings.IndexAny(text, " \t\n")
	if idx < 0 {
		return text, ""
	}
	return text[:idx], strings.TrimSpace(text[idx+1:])
}

func (p *Plugin) handleAPIConfig(args string, logger zerolog.Logger) Result {
	parts := strings.Split(args, "&")
	if len(parts) != 3 {
		return textResult(msgAPIConfigUsage)
	}
	creds := tts.Credentials{
		AppID:     strings.TrimSpace(parts[0]),
		APIKey:    strings.TrimSpace(parts[1]),
		APISecret: strings.TrimSpace(parts[2]),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.Settings().WithCredentials(creds)
	if err := p.store.Save(next); err != nil {
		logger.Error().Err(err).Msg("Failed to persist credentials")
		return textResult(msgSaveFailed)
	}
	p.install(next)
	p.breaker.Reset()

	logger.Info().Str("app_id", creds.AppID).Msg("XFYun credentials updated")
	return textResult(msgAPIConfigOK)
}

func (p *Plugin) handleTTSConfig(args string, logger zerolog.Logger) Result {
	if args == "" {
		return textResult(msgTTSConfigUsage)
	}
	update, err := config.ParseVoiceArgs(args)
	if err != nil {
		logger.Debug().Err(err).Msg("Rejected voice parameters")
		return textResult(parameterMessage(err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.Settings().Apply(update)
	if err := p.store.Save(next); err != nil {
		logger.Error().Err(err).Msg("Failed to persist voice parameters")
		return textResult(msgSaveFailed)
	}
	p.install(next)

	logger.Info().
		Str("vcn", next.VCN).
		Str("aue", next.AUE).
		Msg("Voice parameters updated")
	return textResult(msgTTSConfigOK)
}

func (p *Plugin) handleTTS(ctx context.Context, text string, logger zerolog.Logger) Result {
	if text == "" {
		return textResult(msgTTSUsage)
	}

	active := p.active.Load()
	if err := active.settings.Credentials().Validate(); err != nil {
		return textResult(msgNoCredentials)
	}

	start := time.Now()
	var path string
	err := p.breaker.Call(func() error {
		var err error
		path, err = active.synth.SynthesizeToFile(ctx, text, p.timeout)
		return err
	})
	if err != nil {
		observability.RecordSynthesis(outcomeLabel(err), time.Since(start))
		event := logger.Warn().
			Err(err).
			Str("kind", outcomeLabel(err)).
			Int("text_runes", len([]rune(text)))
		var terr *tts.Error
		if errors.As(err, &terr) && terr.Kind == tts.KindProviderError {
			event = event.Str("provider_code", terr.Code).Str("provider_message", terr.Message).Str("sid", terr.SID)
		}
		event.Msg("Speech synthesis failed")
		return textResult(synthesisMessage(err))
	}
	defer func() {
		if err := active.synth.RemoveArtifact(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to remove audio artifact")
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		observability.RecordSynthesis("artifact_read", time.Since(start))
		logger.Error().Err(err).Str("path", path).Msg("Failed to read audio artifact")
		return textResult(msgSynthesisFailed)
	}

	params := active.settings.VoiceParameters().WithDefaults()
	duration := audio.ClipDuration(params.AUE, params.AUF, len(data))
	observability.RecordSynthesis("", time.Since(start))
	observability.RecordAudio(len(data), duration)

	logger.Info().
		Int("audio_bytes", len(data)).
		Dur("audio_duration", duration).
		Dur("latency", time.Since(start)).
		Msg("Speech synthesized")

	return Result{
		Replies: []Reply{{
			Type:       ReplyVoice,
			Base64:     base64.StdEncoding.EncodeToString(data),
			Format:     params.AUE,
			DurationMs: duration.Milliseconds(),
		}},
		Handled: true,
	}
}

// CredentialsCheck is a readiness check for configured credentials.
func (p *Plugin) CredentialsCheck(ctx context.Context) (bool, error) {
	if err := p.Settings().Credentials().Validate(); err != nil {
		return false, err
	}
	return true, nil
}

// BreakerCheck is a readiness check that fails while the breaker is open.
func (p *Plugin) BreakerCheck(ctx context.Context) (bool, error) {
	if state := p.breaker.GetState(); state == resilience.StateOpen {
		return false, fmt.Errorf("circuit %s is %s", p.breaker.Name(), state)
	}
	return true, nil
}

// Close removes all synthesized artifacts.
func (p *Plugin) Close() error {
	return p.active.Load().synth.Cleanup()
}

package tts

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tts-gateway/internal/observability"
)

const (
	// DefaultEndpoint is the XFYun online TTS WebSocket API.
	DefaultEndpoint = "wss://tts-api.xfyun.cn/v2/tts"

	// DefaultHost is the host value that is signed and sent as a query parameter.
	DefaultHost = "ws-api.xfyun.cn"

	// MaxTextLength is the provider limit, in characters.
	MaxTextLength = 300

	// DefaultTimeout applies when Synthesize is called with a non-positive timeout.
	DefaultTimeout = 10 * time.Second

	// statusLastFrame marks the final request frame and the terminal response frame.
	statusLastFrame = 2

	closeGracePeriod = time.Second
)

// XFYunClient synthesizes speech through the XFYun WebSocket API. Every call
// opens its own connection, so one client can serve concurrent calls.
// Credentials and parameters are fixed at construction; build a new client
// to change them.
type XFYunClient struct {
	creds    Credentials
	params   VoiceParameters
	endpoint string
	host     string
	insecure bool
	dialer   *websocket.Dialer
	store    *ArtifactStore
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures an XFYunClient.
type Option func(*XFYunClient)

// WithEndpoint overrides the WebSocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *XFYunClient) {
		c.endpoint = endpoint
	}
}

// WithHost overrides the signed host value.
func WithHost(host string) Option {
	return func(c *XFYunClient) {
		c.host = host
	}
}

// WithInsecureSkipVerify disables TLS certificate verification for the
// provider connection. Off by default.
func WithInsecureSkipVerify(skip bool) Option {
	return func(c *XFYunClient) {
		c.insecure = skip
	}
}

// WithDialer sets a custom WebSocket dialer. WithInsecureSkipVerify is
// ignored when a dialer is supplied.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *XFYunClient) {
		c.dialer = dialer
	}
}

// WithStorageRoot sets the directory used by SynthesizeToFile and Cleanup.
func WithStorageRoot(root string) Option {
	return func(c *XFYunClient) {
		c.store = NewArtifactStore(root)
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *XFYunClient) {
		c.logger = logger
	}
}

// WithClock overrides the time source used for endpoint signing.
func WithClock(now func() time.Time) Option {
	return func(c *XFYunClient) {
		c.now = now
	}
}

// NewXFYunClient creates a client. Missing credentials are reported by
// Synthesize, not here, so a client can exist before it is configured.
func NewXFYunClient(creds Credentials, params VoiceParameters, opts ...Option) *XFYunClient {
	c := &XFYunClient{
		creds:    creds,
		params:   params.WithDefaults(),
		endpoint: DefaultEndpoint,
		host:     DefaultHost,
		store:    NewArtifactStore(DefaultStorageRoot),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.dialer == nil {
		dialer := *websocket.DefaultDialer
		dialer.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: c.insecure, //nolint:gosec // opt-in via configuration
		}
		c.dialer = &dialer
	}

	return c
}

// SignURL returns the signed connection URL for the given time.
func (c *XFYunClient) SignURL(now time.Time) (string, error) {
	return SignEndpoint(c.endpoint, c.host, c.creds, now)
}

// StorageRoot returns the directory holding audio artifacts.
func (c *XFYunClient) StorageRoot() string {
	return c.store.Root()
}

type requestFrame struct {
	Common   commonParams   `json:"common"`
	Business businessParams `json:"business"`
	Data     requestData    `json:"data"`
}

type commonParams struct {
	AppID string `json:"app_id"`
}

type businessParams struct {
	AUE    string `json:"aue"`
	AUF    string `json:"auf"`
	VCN    string `json:"vcn"`
	TTE    string `json:"tte"`
	Speed  *int   `json:"speed,omitempty"`
	Volume *int   `json:"volume,omitempty"`
	Pitch  *int   `json:"pitch,omitempty"`
}

type requestData struct {
	Status int    `json:"status"`
	Text   string `json:"text"`
}

type responseFrame struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	SID     string        `json:"sid"`
	Data    *responseData `json:"data"`
}

type responseData struct {
	Audio  string `json:"audio"`
	Status int    `json:"status"`
	Ced    string `json:"ced"`
}

func (c *XFYunClient) buildRequest(text string) requestFrame {
	return requestFrame{
		Common: commonParams{AppID: c.creds.AppID},
		Business: businessParams{
			AUE:    c.params.AUE,
			AUF:    c.params.AUF,
			VCN:    c.params.VCN,
			TTE:    c.params.TTE,
			Speed:  c.params.Speed,
			Volume: c.params.Volume,
			Pitch:  c.params.Pitch,
		},
		Data: requestData{
			Status: statusLastFrame,
			Text:   base64.StdEncoding.EncodeToString([]byte(text)),
		},
	}
}

func (c *XFYunClient) validate(text string) error {
	if text == "" {
		return newError(KindInvalidInput, "text is empty", nil)
	}
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return newError(KindInputTooLong,
			fmt.Sprintf("text has %d characters, limit is %d", n, MaxTextLength), nil)
	}
	if err := c.creds.Validate(); err != nil {
		return err
	}
	return c.params.Validate()
}

// Synthesize converts text to audio. It opens one connection, sends one
// request frame and collects audio chunks until the provider reports the
// terminal status, the connection closes, or timeout elapses. The returned
// audio is the concatenation of all chunks in arrival order. On any failure
// no audio is returned.
func (c *XFYunClient) Synthesize(ctx context.Context, text string, timeout time.Duration) ([]byte, error) {
	if err := c.validate(text); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logCtx := c.logger.With().
		Int("text_length", utf8.RuneCountInString(text)).
		Str("vcn", c.params.VCN)
	if id := observability.CorrelationIDFromContext(ctx); id != "" {
		logCtx = logCtx.Str("correlation_id", id)
	}
	logger := logCtx.Logger()

	signedURL, err := c.SignURL(c.now())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	conn, resp, err := c.dialer.DialContext(ctx, signedURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindTimeout, "timed out while connecting", ctx.Err())
		}
		message := "websocket connection failed"
		if resp != nil {
			message = fmt.Sprintf("websocket handshake rejected with status %d", resp.StatusCode)
		}
		logger.Warn().Err(err).Msg("XFYun connection failed")
		return nil, newError(KindConnectionError, message, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	if err := conn.WriteJSON(c.buildRequest(text)); err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindTimeout, "timed out while sending request", ctx.Err())
		}
		return nil, newError(KindConnectionError, "failed to send request", err)
	}

	sess := newSession()
	go c.readFrames(conn, sess)

	select {
	case <-sess.done:
	case <-ctx.Done():
		sess.resolve(nil, newError(KindTimeout,
			fmt.Sprintf("no terminal status within %s", timeout), ctx.Err()))
	}

	audio, err := sess.result()
	if err != nil {
		logger.Warn().
			Err(err).
			Str("kind", KindOf(err).String()).
			Dur("elapsed", time.Since(start)).
			Msg("XFYun synthesis failed")
		return nil, err
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))

	logger.Debug().
		Int("bytes", len(audio)).
		Int("chunks", sess.chunks).
		Dur("elapsed", time.Since(start)).
		Msg("XFYun synthesis complete")
	return audio, nil
}

// readFrames runs on its own goroutine and feeds response frames into sess
// until the exchange reaches a terminal state.
func (c *XFYunClient) readFrames(conn *websocket.Conn, sess *session) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			sess.closed(err)
			return
		}

		var frame responseFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			sess.resolve(nil, newError(KindDecodeError, "malformed response frame", err))
			return
		}

		if frame.Code != 0 {
			sess.resolve(nil, &Error{
				Kind:    KindProviderError,
				Code:    fmt.Sprintf("%d", frame.Code),
				Message: frame.Message,
				SID:     frame.SID,
			})
			return
		}

		if frame.Data == nil {
			continue
		}

		chunk, err := base64.StdEncoding.DecodeString(frame.Data.Audio)
		if err != nil {
			sess.resolve(nil, newError(KindDecodeError, "invalid audio payload", err))
			return
		}
		sess.append(chunk)

		if frame.Data.Status == statusLastFrame {
			sess.complete()
			return
		}
	}
}

// SynthesizeToFile synthesizes text and stores the audio under the storage
// root. The caller owns the returned file and should remove it with
// RemoveArtifact once consumed.
func (c *XFYunClient) SynthesizeToFile(ctx context.Context, text string, timeout time.Duration) (string, error) {
	audio, err := c.Synthesize(ctx, text, timeout)
	if err != nil {
		return "", err
	}
	path, err := c.store.Save(audio, extensionFor(c.params.AUE))
	if err != nil {
		return "", fmt.Errorf("xfyun: %w", err)
	}
	return path, nil
}

// RemoveArtifact deletes a file returned by SynthesizeToFile.
func (c *XFYunClient) RemoveArtifact(path string) error {
	return c.store.Remove(path)
}

// Cleanup removes all artifacts under the storage root, including those
// abandoned by failed callers. It is idempotent.
func (c *XFYunClient) Cleanup() error {
	if err := c.store.Cleanup(); err != nil {
		return fmt.Errorf("xfyun: cleanup: %w", err)
	}
	return nil
}

package plugin

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/tts-gateway/internal/observability"
	"github.com/lexiqai/tts-gateway/internal/resilience"
	"github.com/lexiqai/tts-gateway/internal/settings"
	"github.com/lexiqai/tts-gateway/internal/tts"
)

type fakeSynth struct {
	dir    string
	creds  tts.Credentials
	params tts.VoiceParameters
	audio  []byte
	err    error

	mu       sync.Mutex
	texts    []string
	ctxIDs   []string
	removed  []string
	cleanups int
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.ctxIDs = append(f.ctxIDs, observability.CorrelationIDFromContext(ctx))
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.audio, nil
}

func (f *fakeSynth) SynthesizeToFile(ctx context.Context, text string, timeout time.Duration) (string, error) {
	data, err := f.Synthesize(ctx, text, timeout)
	if err != nil {
		return "", err
	}
	path := filepath.Join(f.dir, "tts_fake.pcm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeSynth) RemoveArtifact(path string) error {
	f.mu.Lock()
	f.removed = append(f.removed, path)
	f.mu.Unlock()
	return os.Remove(path)
}

func (f *fakeSynth) Cleanup() error {
	f.mu.Lock()
	f.cleanups++
	f.mu.Unlock()
	return nil
}

type harness struct {
	plugin *Plugin
	store  *settings.Store
	built  []*fakeSynth
}

func (h *harness) last() *fakeSynth {
	return h.built[len(h.built)-1]
}

var validBase = settings.Settings{
	AppID:     "app",
	APIKey:    "key",
	APISecret: "secret",
	AUE:       "raw",
	AUF:       "audio/L16;rate=16000",
	VCN:       "xiaoyan",
	TTE:       "utf8",
}

func newHarness(t *testing.T, base settings.Settings, opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{store: settings.NewStore(filepath.Join(dir, "settings.yaml"))}

	factory := func(creds tts.Credentials, params tts.VoiceParameters) tts.Synthesizer {
		s := &fakeSynth{dir: dir, creds: creds, params: params, audio: []byte("AUDIO")}
		h.built = append(h.built, s)
		return s
	}

	p, err := New(factory, h.store, base, opts...)
	require.NoError(t, err)
	h.plugin = p
	return h
}

func TestHandleMessage_TTS(t *testing.T) {
	h := newHarness(t, validBase)

	res := h.plugin.HandleMessage(context.Background(), Message{ID: "1", Text: "/tts 你好"})

	require.True(t, res.Handled)
	require.Len(t, res.Replies, 1)
	reply := res.Replies[0]
	assert.Equal(t, ReplyVoice, reply.Type)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("AUDIO")), reply.Base64)
	assert.Equal(t, "raw", reply.Format)

	synth := h.last()
	assert.Equal(t, []string{"你好"}, synth.texts)
	require.Len(t, synth.removed, 1)
	_, err := os.Stat(synth.removed[0])
	assert.True(t, os.IsNotExist(err), "artifact must be removed after replying")
}

func TestHandleMessage_TTSUsage(t *testing.T) {
	h := newHarness(t, validBase)

	for _, text := range []string{"/tts", "/tts   "} {
		res := h.plugin.HandleMessage(context.Background(), Message{Text: text})
		require.True(t, res.Handled)
		assert.Equal(t, msgTTSUsage, res.Replies[0].Text)
	}
	assert.Empty(t, h.last().texts)
}

func TestHandleMessage_NotACommand(t *testing.T) {
	h := newHarness(t, validBase)

	for _, text := range []string{"hello", "/ttsx 你好", ""} {
		res := h.plugin.HandleMessage(context.Background(), Message{Text: text})
		assert.False(t, res.Handled, text)
		assert.Empty(t, res.Replies, text)
	}
}

func TestHandleMessage_TTSWithoutCredentials(t *testing.T) {
	h := newHarness(t, settings.Settings{VCN: "xiaoyan"})

	res := h.plugin.HandleMessage(context.Background(), Message{Text: "/tts 你好"})
	assert.Equal(t, msgNoCredentials, res.Replies[0].Text)
	assert.Empty(t, h.last().texts, "no synthesis without credentials")
}

func TestHandleMessage_TTSErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"too long", tts.NewError(tts.KindInputTooLong, "", "text exceeds 300 characters"), msgInputTooLong},
		{"timeout", tts.NewError(tts.KindTimeout, "", "no terminal status"), msgTimeout},
		{"provider known code", tts.NewError(tts.KindProviderError, "10005", "licc fail"), msgBadCredentials},
		{"provider unknown code", tts.NewError(tts.KindProviderError, "10109", "text too long"), "语音合成失败（错误码：10109）"},
		{"provider no code", tts.NewError(tts.KindProviderError, "", "boom"), msgSynthesisFailed},
		{"connection", tts.NewError(tts.KindConnectionError, "", "handshake rejected"), msgSynthesisFailed},
		{"bad voice", tts.NewError(tts.KindInvalidParameter, "", "speed"), msgBadVoiceParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, validBase)
			h.last().err = tt.err

			res := h.plugin.HandleMessage(context.Background(), Message{Text: "/tts 你好"})
			require.True(t, res.Handled)
			require.Len(t, res.Replies, 1)
			assert.Equal(t, ReplyText, res.Replies[0].Type)
			assert.Equal(t, tt.want, res.Replies[0].Text)
		})
	}
}

func TestHandleMessage_ProviderMessageNotEchoed(t *testing.T) {
	var logs bytes.Buffer
	h := newHarness(t, validBase, WithLogger(zerolog.New(&logs)))
	hostile := "appid=app key=key\n<script>x</script>@all"
	h.last().err = tts.NewError(tts.KindProviderError, "10999", hostile)

	res := h.plugin.HandleMessage(context.Background(), Message{Text: "/tts 你好"})

	require.Len(t, res.Replies, 1)
	text := res.Replies[0].Text
	assert.Equal(t, "语音合成失败（错误码：10999）", text)
	assert.NotContains(t, text, "\n")
	assert.NotContains(t, text, "<script>")
	assert.NotContains(t, text, "key=key")
	assert.NotContains(t, text, "@all")

	// The raw provider text is kept for operators.
	assert.Contains(t, logs.String(), `"provider_code":"10999"`)
	assert.Contains(t, logs.String(), "<script>x</script>@all")
}

func TestHandleMessage_ProviderCodeNotEchoedWhenMalformed(t *testing.T) {
	h := newHarness(t, validBase)
	h.last().err = tts.NewError(tts.KindProviderError, "1\n<b>", "x")

	res := h.plugin.HandleMessage(context.Background(), Message{Text: "/tts 你好"})
	assert.Equal(t, msgSynthesisFailed, res.Replies[0].Text)
}

func TestHandleMessage_CorrelationID(t *testing.T) {
	var logs bytes.Buffer
	h := newHarness(t, validBase, WithLogger(zerolog.New(&logs)))

	ctx := observability.ContextWithCorrelationID(context.Background(), "session-1")
	h.plugin.HandleMessage(ctx, Message{ID: "m1", Text: "/tts 你好"})

	assert.Equal(t, []string{"session-1"}, h.last().ctxIDs)
	assert.Contains(t, logs.String(), `"correlation_id":"session-1"`)

	// A context without an id gets a fresh one that reaches the synthesizer.
	logs.Reset()
	h.plugin.HandleMessage(context.Background(), Message{ID: "m2", Text: "/tts 你好"})
	require.Len(t, h.last().ctxIDs, 2)
	id := h.last().ctxIDs[1]
	assert.NotEmpty(t, id)
	assert.Contains(t, logs.String(), `"correlation_id":"`+id+`"`)
}

func TestHandleMessage_BreakerOpens(t *testing.T) {
	h := newHarness(t, validBase, WithBreaker(NewBreaker(2, time.Minute)))
	h.last().err = tts.NewError(tts.KindConnectionError, "", "refused")

	for i := 0; i < 2; i++ {
		h.plugin.HandleMessage(context.Background(), Message{Text: "/tts a"})
	}
	assert.Equal(t, resilience.StateOpen, h.plugin.Breaker().GetState())

	res := h.plugin.HandleMessage(context.Background(), Message{Text: "/tts a"})
	assert.Equal(t, msgUnavailable, res.Replies[0].Text)
	assert.Len(t, h.last().texts, 2, "open breaker must not reach the provider")

	ok, err := h.plugin.BreakerCheck(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestHandleMessage_UserErrorsDoNotOpenBreaker(t *testing.T) {
	h := newHarness(t, validBase, WithBreaker(NewBreaker(1, time.Minute)))
	h.last().err = tts.NewError(tts.KindInputTooLong, "", "too long")

	h.plugin.HandleMessage(context.Background(), Message{Text: "/tts a"})
	assert.Equal(t, resilience.StateClosed, h.plugin.Breaker().GetState())
}

func TestHandleMessage_APIConfig(t *testing.T) {
	h := newHarness(t, settings.Settings{VCN: "xiaofeng"}, WithBreaker(NewBreaker(1, time.Minute)))
	h.plugin.Breaker().RecordResult(false)

	res := h.plugin.HandleMessage(context.Background(), Message{Text: "/apicfg  a1 & k1 & s1 "})
	assert.Equal(t, msgAPIConfigOK, res.Replies[0].Text)

	synth := h.last()
	assert.Equal(t, tts.Credentials{AppID: "a1", APIKey: "k1", APISecret: "s1"}, synth.creds)
	assert.Equal(t, "xiaofeng", synth.params.VCN, "voice settings survive credential updates")
	assert.Equal(t, resilience.StateClosed, h.plugin.Breaker().GetState())

	saved, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "a1", saved.AppID)

	ok, err := h.plugin.CredentialsCheck(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestHandleMessage_APIConfigUsage(t *testing.T) {
	h := newHarness(t, validBase)
	built := len(h.built)

	for _, text := range []string{"/apicfg", "/apicfg a&b", "/apicfg a&b&c&d"} {
		res := h.plugin.HandleMessage(context.Background(), Message{Text: text})
		assert.Equal(t, msgAPIConfigUsage, res.Replies[0].Text, text)
	}
	assert.Len(t, h.built, built, "client must not be rebuilt on bad input")
}

func TestHandleMessage_TTSConfig(t *testing.T) {
	h := newHarness(t, validBase)

	res := h.plugin.HandleMessage(context.Background(), Message{Text: "/ttscfg vcn=aisjiuxu&speed=80"})
	assert.Equal(t, msgTTSConfigOK, res.Replies[0].Text)

	params := h.last().params
	assert.Equal(t, "aisjiuxu", params.VCN)
	require.NotNil(t, params.Speed)
	assert.Equal(t, 80, *params.Speed)
	assert.Equal(t, "app", h.last().creds.AppID)

	saved, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "aisjiuxu", saved.VCN)
}

func TestHandleMessage_TTSConfigErrors(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"/ttscfg", msgTTSConfigUsage},
		{"/ttscfg vcn", "无效参数格式：vcn"},
		{"/ttscfg rate=5", "无效参数：rate"},
		{"/ttscfg speed=150", "speed参数需为0-100整数"},
		{"/ttscfg volume=abc", "volume参数需为0-100整数"},
	}

	h := newHarness(t, validBase)
	built := len(h.built)
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			res := h.plugin.HandleMessage(context.Background(), Message{Text: tt.text})
			require.True(t, res.Handled)
			assert.Equal(t, tt.want, res.Replies[0].Text)
		})
	}
	assert.Len(t, h.built, built)
}

func TestNew_LoadsPersistedSettings(t *testing.T) {
	dir := t.TempDir()
	store := settings.NewStore(filepath.Join(dir, "settings.yaml"))
	require.NoError(t, store.Save(settings.Settings{VCN: "xiaofeng", Speed: tts.Int(10)}))

	var got tts.VoiceParameters
	_, err := New(func(creds tts.Credentials, params tts.VoiceParameters) tts.Synthesizer {
		got = params
		return &fakeSynth{dir: dir}
	}, store, validBase)
	require.NoError(t, err)

	assert.Equal(t, "xiaofeng", got.VCN)
	assert.Equal(t, "raw", got.AUE)
	require.NotNil(t, got.Speed)
	assert.Equal(t, 10, *got.Speed)
}

func TestPlugin_CloseCleansUp(t *testing.T) {
	h := newHarness(t, validBase)
	require.NoError(t, h.plugin.Close())
	assert.Equal(t, 1, h.last().cleanups)
}

func TestPlugin_ConcurrentMessages(t *testing.T) {
	h := newHarness(t, validBase)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				h.plugin.HandleMessage(context.Background(), Message{Text: "/ttscfg speed=50"})
				return
			}
			h.plugin.Settings()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, *h.plugin.Settings().Speed)
}

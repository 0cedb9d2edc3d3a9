package plugin

import (
	"errors"
	"fmt"

	"github.com/lexiqai/tts-gateway/internal/config"
	"github.com/lexiqai/tts-gateway/internal/resilience"
	"github.com/lexiqai/tts-gateway/internal/tts"
)

// Chat commands, matched against the first whitespace-separated field.
const (
	CommandTTS       = "/tts"
	CommandAPIConfig = "/apicfg"
	CommandTTSConfig = "/ttscfg"
)

// User-facing replies.
const (
	msgTTSUsage        = "请输入要合成的文本，例如：/tts 你好"
	msgAPIConfigUsage  = "格式错误，正确格式：/apicfg APPID&APIKey&APISecret"
	msgTTSConfigUsage  = "格式：/ttscfg 参数=值&参数=值（支持参数：vcn, speed, volume, pitch, aue, auf, tte）"
	msgAPIConfigOK     = "API配置更新成功！"
	msgTTSConfigOK     = "语音参数更新成功！"
	msgSaveFailed      = "配置保存失败，请检查插件日志"
	msgInputTooLong    = "文本过长（最大300字）"
	msgNoCredentials   = "未配置讯飞API凭证，请使用 /apicfg 配置"
	msgTimeout         = "生成语音超时"
	msgUnavailable     = "语音服务暂时不可用，请稍后重试"
	msgBadVoiceParams  = "语音参数无效，请使用 /ttscfg 重新配置"
	msgSynthesisFailed = "语音合成失败，请稍后重试"
	msgBadCredentials  = "讯飞API凭证无效，请使用 /apicfg 重新配置"
	msgNotLicensed     = "讯飞账号未开通该服务或授权已过期"
	msgQuotaExceeded   = "讯飞服务调用量已超限，请稍后重试"
	msgBadText         = "文本编码错误，请检查输入内容"
)

// providerMessages maps known XFYun error codes to fixed replies. The
// provider's own message text is only ever logged.
var providerMessages = map[string]string{
	"10005": msgBadCredentials,
	"10313": msgBadCredentials,
	"11200": msgNotLicensed,
	"11201": msgQuotaExceeded,
	"10160": msgBadText,
	"10161": msgBadText,
	"10163": msgBadVoiceParams,
}

// ReplyType distinguishes reply payloads.
type ReplyType string

const (
	ReplyText  ReplyType = "text"
	ReplyVoice ReplyType = "voice"
)

// Message is an incoming chat message.
type Message struct {
	ID       string `json:"message_id"`
	SenderID string `json:"sender_id,omitempty"`
	Text     string `json:"text"`
}

// Reply is one element of the answer to a message.
type Reply struct {
	Type       ReplyType `json:"type"`
	Text       string    `json:"text,omitempty"`
	Base64     string    `json:"base64,omitempty"`
	Format     string    `json:"format,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Result is the plugin's answer. Handled tells the host to skip its
// default processing of the message.
type Result struct {
	Replies []Reply `json:"replies"`
	Handled bool    `json:"handled"`
}

func textResult(text string) Result {
	return Result{Replies: []Reply{{Type: ReplyText, Text: text}}, Handled: true}
}

// parameterMessage renders a /ttscfg validation error.
func parameterMessage(err error) string {
	var terr *tts.Error
	if !errors.As(err, &terr) {
		return msgTTSConfigUsage
	}
	switch terr.Code {
	case config.ReasonMalformedPair:
		return "无效参数格式：" + terr.Message
	case config.ReasonUnknownParam:
		return "无效参数：" + terr.Message
	case config.ReasonOutOfRange:
		return terr.Message + "参数需为0-100整数"
	default:
		return msgTTSConfigUsage
	}
}

// synthesisMessage renders a synthesis failure without leaking internals.
func synthesisMessage(err error) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return msgUnavailable
	}
	switch tts.KindOf(err) {
	case tts.KindInputTooLong:
		return msgInputTooLong
	case tts.KindInvalidInput:
		return msgTTSUsage
	case tts.KindMissingCredentials:
		return msgNoCredentials
	case tts.KindInvalidParameter:
		return msgBadVoiceParams
	case tts.KindTimeout:
		return msgTimeout
	case tts.KindProviderError:
		return providerMessage(err)
	default:
		return msgSynthesisFailed
	}
}

func providerMessage(err error) string {
	var terr *tts.Error
	if !errors.As(err, &terr) {
		return msgSynthesisFailed
	}
	if msg, ok := providerMessages[terr.Code]; ok {
		return msg
	}
	if isErrorCode(terr.Code) {
		return fmt.Sprintf("语音合成失败（错误码：%s）", terr.Code)
	}
	return msgSynthesisFailed
}

// isErrorCode reports whether code is a short decimal provider code.
func isErrorCode(code string) bool {
	if code == "" || len(code) > 8 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// outcomeLabel is the metric label for a synthesis result.
func outcomeLabel(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "circuit_open"
	}
	return tts.KindOf(err).String()
}

// countsAgainstBreaker reports whether err indicates the provider is unhealthy.
func countsAgainstBreaker(err error) bool {
	switch tts.KindOf(err) {
	case tts.KindConnectionError, tts.KindProviderError, tts.KindTimeout,
		tts.KindDecodeError, tts.KindEmptyResult:
		return true
	case tts.KindUnknown:
		return err != nil
	default:
		return false
	}
}

package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	neturl "net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	appcfg "github.com/lingvo-space/core/internal/config"
	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/pkg/apperr"
	openaiclient "github.com/openai/openai-go/v2"
	openaioption "github.com/openai/openai-go/v2/option"
	"go.uber.org/zap"
)

const defaultSTTModel = "whisper-1"

// OpenAIProvider transcribes through the OpenAI audio transcription API, or
// any server speaking the same protocol.
type OpenAIProvider struct {
	client  openaiclient.Client
	model   string
	logger  *zap.Logger
	backoff func() backoff.BackOff
}

type ProviderOption func(*OpenAIProvider)

func WithProviderLogger(logger *zap.Logger) ProviderOption {
	return func(p *OpenAIProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBackOff replaces the in-call retry policy. The policy is always bounded
// by the caller's context.
func WithBackOff(fn func() backoff.BackOff) ProviderOption {
	return func(p *OpenAIProvider) {
		if fn != nil {
			p.backoff = fn
		}
	}
}

func NewOpenAIProvider(cfg appcfg.STTProvider, opts ...ProviderOption) (*OpenAIProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("speech-to-text api key is empty")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultSTTModel
	}

	clientOpts := []openaioption.RequestOption{
		openaioption.WithAPIKey(apiKey),
		openaioption.WithMaxRetries(0),
	}
	if base := normalizeBaseURL(cfg.Endpoint); base != "" {
		clientOpts = append(clientOpts, openaioption.WithBaseURL(base))
	}

	p := &OpenAIProvider{
		client: openaiclient.NewClient(clientOpts...),
		model:  model,
		logger: zap.NewNop(),
		backoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxElapsedTime = 0
			return backoff.WithMaxRetries(bo, 2)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type verboseTranscription struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start        float64 `json:"start"`
		End          float64 `json:"end"`
		Text         string  `json:"text"`
		AvgLogprob   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

func (p *OpenAIProvider) Transcribe(ctx context.Context, req Request) (*Recognition, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("transcribe: empty audio: %w", apperr.ErrInsufficientData)
	}
	filename := req.Filename
	if filename == "" {
		filename = "chunk.webm"
	}

	var out verboseTranscription
	op := func() error {
		out = verboseTranscription{}
		params := openaiclient.AudioTranscriptionNewParams{
			File:                   openaiclient.File(bytes.NewReader(req.Audio), filename, req.MimeType),
			Model:                  openaiclient.AudioModel(p.model),
			ResponseFormat:         openaiclient.AudioResponseFormatVerboseJSON,
			TimestampGranularities: []string{"segment"},
		}
		if req.Language != "" {
			params.Language = openaiclient.String(req.Language)
		}
		if prompt := speakerPrompt(req.Speaker); prompt != "" {
			params.Prompt = openaiclient.String(prompt)
		}
		_, err := p.client.Audio.Transcriptions.New(ctx, params, openaioption.WithResponseBodyInto(&out))
		if err == nil {
			return nil
		}
		err = classify(err)
		if !apperr.IsTransient(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		p.logger.Debug("transcription attempt failed, retrying", zap.Error(err))
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(p.backoff(), ctx)); err != nil {
		return nil, err
	}
	return toRecognition(out), nil
}

// speakerPrompt primes the recognizer for the register of the speaker.
func speakerPrompt(sp models.Speaker) string {
	switch sp {
	case models.SpeakerStudent:
		return "A language learner speaking during a tutoring lesson."
	case models.SpeakerTutor:
		return "A language tutor speaking during a lesson."
	}
	return ""
}

func toRecognition(v verboseTranscription) *Recognition {
	res := &Recognition{Text: strings.TrimSpace(v.Text), Language: v.Language}
	for _, s := range v.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		conf := math.Exp(s.AvgLogprob) * (1 - s.NoSpeechProb)
		if s.AvgLogprob == 0 && s.NoSpeechProb == 0 {
			conf = 1
		}
		res.Segments = append(res.Segments, Segment{
			Start:      secondsToDuration(s.Start),
			End:        secondsToDuration(s.End),
			Text:       text,
			Confidence: math.Max(0, math.Min(1, conf)),
		})
	}
	// plain json responses carry no segments
	if len(res.Segments) == 0 && res.Text != "" {
		res.Segments = []Segment{{Text: res.Text, Confidence: 1}}
	}
	return res
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// classify marks upstream failures that may succeed on retry.
func classify(err error) error {
	var apiErr *openaiclient.Error
	if errors.As(err, &apiErr) {
		return apperr.HTTPStatus("openai transcription", apiErr.StatusCode, truncate(apiErr.Error(), 300))
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient("openai transcription", err)
	}
	return err
}

func normalizeBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return ""
	}
	parsed, err := neturl.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(base, "/")
	}
	path := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(path, "/v1") {
		path += "/v1"
	}
	parsed.Path = path
	return strings.TrimRight(parsed.String(), "/") + "/"
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

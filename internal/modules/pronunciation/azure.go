package pronunciation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lingvo-space/core/internal/pkg/apperr"
	"github.com/lingvo-space/core/internal/pkg/langcode"
)

// Assessment holds the 0-100 scores for one utterance.
type Assessment struct {
	Overall      float64      `json:"overall"`
	Accuracy     float64      `json:"accuracy"`
	Fluency      float64      `json:"fluency"`
	Prosody      float64      `json:"prosody"`
	Completeness float64      `json:"completeness"`
	Words        []WordResult `json:"words"`
}

type WordResult struct {
	Word      string          `json:"word"`
	Accuracy  float64         `json:"accuracy"`
	ErrorType string          `json:"errorType,omitempty"`
	Phonemes  []PhonemeResult `json:"phonemes,omitempty"`
}

type PhonemeResult struct {
	Phoneme  string  `json:"phoneme"`
	Accuracy float64 `json:"accuracy"`
}

// Assessor scores WAV audio against the text the speaker meant to say.
type Assessor interface {
	Assess(ctx context.Context, wav []byte, referenceText, language string) (*Assessment, error)
}

// AzureAssessor calls the Azure Speech short-audio REST API with a
// pronunciation assessment header.
type AzureAssessor struct {
	key      string
	endpoint string
	client   *http.Client
	backoff  func() backoff.BackOff
}

type AzureOption func(*AzureAssessor)

func WithHTTPClient(c *http.Client) AzureOption {
	return func(a *AzureAssessor) {
		if c != nil {
			a.client = c
		}
	}
}

func WithAzureBackOff(fn func() backoff.BackOff) AzureOption {
	return func(a *AzureAssessor) {
		if fn != nil {
			a.backoff = fn
		}
	}
}

// NewAzureAssessor builds an assessor for region, or for endpoint when one
// is set (sovereign clouds, tests).
func NewAzureAssessor(key, region, endpoint string, opts ...AzureOption) (*AzureAssessor, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("azure speech key is empty")
	}
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		region = strings.TrimSpace(region)
		if region == "" {
			return nil, errors.New("azure speech region is empty")
		}
		endpoint = "https://" + region + ".stt.speech.microsoft.com"
	}
	a := &AzureAssessor{
		key:      key,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		backoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 300 * time.Millisecond
			bo.MaxElapsedTime = 0
			return backoff.WithMaxRetries(bo, 2)
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

type azureResponse struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	NBest             []struct {
		azureScores
		PronunciationAssessment *azureScores `json:"PronunciationAssessment"`
		Words                   []struct {
			Word                    string `json:"Word"`
			AccuracyScore           float64
			ErrorType               string
			PronunciationAssessment *struct {
				AccuracyScore float64
				ErrorType     string
			} `json:"PronunciationAssessment"`
			Phonemes []struct {
				Phoneme                 string `json:"Phoneme"`
				AccuracyScore           float64
				PronunciationAssessment *struct {
					AccuracyScore float64
				} `json:"PronunciationAssessment"`
			} `json:"Phonemes"`
		} `json:"Words"`
	} `json:"NBest"`
}

type azureScores struct {
	AccuracyScore     float64
	FluencyScore      float64
	ProsodyScore      float64
	CompletenessScore float64
	PronScore         float64
}

func (a *AzureAssessor) Assess(ctx context.Context, wav []byte, referenceText, language string) (*Assessment, error) {
	locale, err := langcode.Locale(language)
	if err != nil {
		return nil, err
	}
	params, _ := json.Marshal(map[string]interface{}{
		"ReferenceText":           referenceText,
		"GradingSystem":           "HundredMark",
		"Granularity":             "Phoneme",
		"Dimension":               "Comprehensive",
		"EnableProsodyAssessment": true,
	})
	header := base64.StdEncoding.EncodeToString(params)

	q := neturl.Values{}
	q.Set("language", locale)
	q.Set("format", "detailed")
	endpoint := a.endpoint + "/speech/recognition/conversation/cognitiveservices/v1?" + q.Encode()

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wav))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", a.key)
		req.Header.Set("Content-Type", "audio/wav; codecs=audio/pcm; samplerate=16000")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Pronunciation-Assessment", header)

		resp, err := a.client.Do(req)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ctx.Err() == nil {
				return apperr.Transient("azure pronunciation", err)
			}
			return backoff.Permanent(apperr.Transient("azure pronunciation", err))
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return apperr.Transient("azure pronunciation", err)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			err := apperr.HTTPStatus("azure pronunciation", resp.StatusCode, strings.TrimSpace(string(respBody)))
			if apperr.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		body = respBody
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(a.backoff(), ctx)); err != nil {
		return nil, err
	}
	return parseAzure(body)
}

func parseAzure(body []byte) (*Assessment, error) {
	var resp azureResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode azure response: %w", err)
	}
	if resp.RecognitionStatus != "Success" || len(resp.NBest) == 0 {
		return nil, fmt.Errorf("azure recognition status %q: %w", resp.RecognitionStatus, apperr.ErrInsufficientData)
	}
	best := resp.NBest[0]
	scores := best.azureScores
	if best.PronunciationAssessment != nil {
		scores = *best.PronunciationAssessment
	}
	out := &Assessment{
		Overall:      scores.PronScore,
		Accuracy:     scores.AccuracyScore,
		Fluency:      scores.FluencyScore,
		Prosody:      scores.ProsodyScore,
		Completeness: scores.CompletenessScore,
	}
	for _, w := range best.Words {
		wr := WordResult{Word: w.Word, Accuracy: w.AccuracyScore, ErrorType: w.ErrorType}
		if w.PronunciationAssessment != nil {
			wr.Accuracy = w.PronunciationAssessment.AccuracyScore
			wr.ErrorType = w.PronunciationAssessment.ErrorType
		}
		if wr.ErrorType == "None" {
			wr.ErrorType = ""
		}
		for _, p := range w.Phonemes {
			acc := p.AccuracyScore
			if p.PronunciationAssessment != nil {
				acc = p.PronunciationAssessment.AccuracyScore
			}
			wr.Phonemes = append(wr.Phonemes, PhonemeResult{Phoneme: p.Phoneme, Accuracy: acc})
		}
		out.Words = append(out.Words, wr)
	}
	return out, nil
}

package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
	KindImage  Kind = "image"
	KindFrames Kind = "frames"
)

type Compression string

const (
	CompressNone Compression = "none"
	CompressZip  Compression = "zip"
	CompressGzip Compression = "gzip"
)

// Params is implemented only by the parameter records in this file.
type Params interface {
	Kind() Kind
}

type ImageParams struct {
	// Quality is the ffmpeg -q:v scale, 2 (best) to 31.
	Quality int
}

type AudioParams struct {
	Mono   bool
	Format string // "wav" or "mp3"
}

type VideoParams struct{}

type FrameParams struct {
	FPS      float64
	Compress Compression
}

func (ImageParams) Kind() Kind { return KindImage }
func (AudioParams) Kind() Kind { return KindAudio }
func (VideoParams) Kind() Kind { return KindVideo }
func (FrameParams) Kind() Kind { return KindFrames }

type ConversionJob struct {
	ID          string
	InputPath   string
	OutputPath  string
	OutputName  string
	Params      Params
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	Timeout     int
	CallbackURL string
}

func (j *ConversionJob) Kind() Kind {
	if j.Params == nil {
		return ""
	}
	return j.Params.Kind()
}

// jobPayload is the flat wire form delivered by the broker.
type jobPayload struct {
	ID          string      `json:"id"`
	Kind        Kind        `json:"kind"`
	InputPath   string      `json:"inputPath"`
	OutputPath  string      `json:"outputPath,omitempty"`
	OutputName  string      `json:"outputName,omitempty"`
	Quality     int         `json:"quality,omitempty"`
	Mono        string      `json:"mono,omitempty"`
	Format      string      `json:"format,omitempty"`
	FPS         float64     `json:"fps,omitempty"`
	Compress    Compression `json:"compress,omitempty"`
	RetryCount  int         `json:"retryCount"`
	MaxRetries  int         `json:"maxRetries"`
	CreatedAt   time.Time   `json:"createdAt"`
	Timeout     int         `json:"timeout,omitempty"`
	CallbackURL string      `json:"callbackUrl,omitempty"`
}

func (j ConversionJob) MarshalJSON() ([]byte, error) {
	p := jobPayload{
		ID:          j.ID,
		Kind:        j.Kind(),
		InputPath:   j.InputPath,
		OutputPath:  j.OutputPath,
		OutputName:  j.OutputName,
		RetryCount:  j.RetryCount,
		MaxRetries:  j.MaxRetries,
		CreatedAt:   j.CreatedAt,
		Timeout:     j.Timeout,
		CallbackURL: j.CallbackURL,
	}
	switch params := j.Params.(type) {
	case ImageParams:
		p.Quality = params.Quality
	case AudioParams:
		p.Mono = yesNo(params.Mono)
		p.Format = params.Format
	case VideoParams:
	case FrameParams:
		p.FPS = params.FPS
		p.Compress = params.Compress
	default:
		return nil, fmt.Errorf("job %s has no conversion parameters", j.ID)
	}
	return json.Marshal(p)
}

func (j *ConversionJob) UnmarshalJSON(data []byte) error {
	var p jobPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	params, err := p.params()
	if err != nil {
		return err
	}
	*j = ConversionJob{
		ID:          p.ID,
		InputPath:   p.InputPath,
		OutputPath:  p.OutputPath,
		OutputName:  p.OutputName,
		Params:      params,
		RetryCount:  p.RetryCount,
		MaxRetries:  p.MaxRetries,
		CreatedAt:   p.CreatedAt,
		Timeout:     p.Timeout,
		CallbackURL: p.CallbackURL,
	}
	return nil
}

func (p jobPayload) params() (Params, error) {
	switch p.Kind {
	case KindImage:
		return NewImageParams(p.Quality)
	case KindAudio:
		return NewAudioParams(p.Mono, p.Format)
	case KindVideo:
		return VideoParams{}, nil
	case KindFrames:
		return NewFrameParams(p.FPS, string(p.Compress))
	default:
		return nil, fmt.Errorf("unknown job kind %q", p.Kind)
	}
}

// NewImageParams applies the default quality of 2 when quality is zero.
func NewImageParams(quality int) (ImageParams, error) {
	if quality == 0 {
		quality = 2
	}
	if quality < 1 || quality > 31 {
		return ImageParams{}, fmt.Errorf("quality must be between 1 and 31, got %d", quality)
	}
	return ImageParams{Quality: quality}, nil
}

// NewAudioParams defaults to mono WAV, matching the extraction endpoint.
func NewAudioParams(mono, format string) (AudioParams, error) {
	params := AudioParams{Mono: true, Format: "wav"}
	switch strings.ToLower(mono) {
	case "", "yes":
	case "no":
		params.Mono = false
	default:
		return AudioParams{}, fmt.Errorf("mono must be yes or no, got %q", mono)
	}
	switch strings.ToLower(format) {
	case "", "wav":
	case "mp3":
		params.Format = "mp3"
	default:
		return AudioParams{}, fmt.Errorf("unsupported audio format %q", format)
	}
	return params, nil
}

func NewFrameParams(fps float64, compress string) (FrameParams, error) {
	if fps == 0 {
		fps = 1
	}
	if fps < 0 {
		return FrameParams{}, fmt.Errorf("fps must be positive, got %v", fps)
	}
	params := FrameParams{FPS: fps, Compress: CompressNone}
	switch Compression(strings.ToLower(compress)) {
	case "", CompressNone:
	case CompressZip:
		params.Compress = CompressZip
	case CompressGzip:
		params.Compress = CompressGzip
	default:
		return FrameParams{}, fmt.Errorf("compress must be zip, gzip or none, got %q", compress)
	}
	return params, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

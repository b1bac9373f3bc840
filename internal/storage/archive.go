package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
	// MaxBytes caps a single downloaded clip.
	MaxBytes int64
}

// Archiver re-hosts provider audio in an S3-compatible bucket so that
// history links outlive the provider's temporary URLs.
type Archiver struct {
	cfg    Config
	client *s3.Client
	http   *http.Client
	log    *slog.Logger
	now    func() time.Time
}

func NewArchiver(cfg Config, log *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "audio"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 50 << 20
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &Archiver{
		cfg:    cfg,
		client: s3.New(options),
		http:   &http.Client{Timeout: 60 * time.Second},
		log:    log,
		now:    time.Now,
	}, nil
}

// Archive copies sourceURL into the bucket under a key derived from jobID and
// returns the public URL.
func (a *Archiver) Archive(ctx context.Context, jobID, sourceURL string) (string, error) {
	data, contentType, err := a.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	return a.Upload(ctx, jobID, data, contentType)
}

func (a *Archiver) Upload(ctx context.Context, jobID string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("no data to upload")
	}
	if contentType == "" {
		contentType = "audio/mpeg"
	}

	key := a.generateKey(jobID, contentType)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	url := strings.TrimRight(a.cfg.PublicBaseURL, "/") + "/" + key
	if a.log != nil {
		a.log.Info("audio archived", "job_id", jobID, "bytes", len(data), "url", url)
	}
	return url, nil
}

func (a *Archiver) download(ctx context.Context, sourceURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download audio: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read audio: %w", err)
	}
	if int64(len(data)) > a.cfg.MaxBytes {
		return nil, "", fmt.Errorf("audio exceeds %d bytes", a.cfg.MaxBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	return data, contentType, nil
}

func (a *Archiver) generateKey(jobID, contentType string) string {
	now := a.now().UTC()
	prefix := strings.Trim(a.cfg.Prefix, "/")
	return path.Join(prefix, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), jobID+extensionFromContentType(contentType))
}

func extensionFromContentType(contentType string) string {
	switch strings.ToLower(contentType) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/aac":
		return ".aac"
	default:
		return ".bin"
	}
}

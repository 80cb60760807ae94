package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/evidencelog/evidencelog/internal/config"
	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/rs/zerolog/log"
)

const pinFilePath = "/pinning/pinFileToIPFS"

// PinataUploader pins files to IPFS through the Pinata pinning API.
type PinataUploader struct {
	apiURL     string
	apiKey     string
	secretKey  string
	jwt        string
	cidVersion int
	client     *http.Client
}

// NewPinataUploader creates an uploader for the Pinata API.
func NewPinataUploader(cfg config.PinataConfig, timeout time.Duration) *PinataUploader {
	return &PinataUploader{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		jwt:        cfg.JWT,
		cidVersion: cfg.CIDVersion,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type pinataMetadata struct {
	Name string `json:"name"`
}

type pinataOptions struct {
	CIDVersion int `json:"cidVersion"`
}

type pinFileResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// Upload streams r as a multipart body; the file is never held in memory.
func (p *PinataUploader) Upload(ctx context.Context, r io.Reader, name string) (evidence.UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	counter := &countingReader{r: r}

	formDone := make(chan error, 1)
	go func() {
		err := p.writeForm(mw, counter, name)
		_ = pw.CloseWithError(err)
		formDone <- err
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+pinFilePath, pr)
	if err != nil {
		_ = pr.Close()
		<-formDone
		return evidence.UploadResult{}, uploadError("create request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if p.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+p.jwt)
	} else {
		req.Header.Set("pinata_api_key", p.apiKey)
		req.Header.Set("pinata_secret_api_key", p.secretKey)
	}

	resp, err := p.client.Do(req)
	// Unblocks the form writer if the transport gave up mid-body.
	_ = pr.Close()
	formErr := <-formDone
	if err != nil {
		return evidence.UploadResult{}, uploadError("pin file", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return evidence.UploadResult{}, uploadError(
			fmt.Sprintf("pinata returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	if formErr != nil {
		return evidence.UploadResult{}, uploadError("stream file", formErr)
	}

	var result pinFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return evidence.UploadResult{}, uploadError("decode response", err)
	}

	log.Debug().
		Str("name", name).
		Str("content_id", result.IpfsHash).
		Int64("bytes", counter.n).
		Msg("pinned file")

	return evidence.UploadResult{
		ContentID: result.IpfsHash,
		Success:   true,
		Size:      counter.n,
	}, nil
}

func (p *PinataUploader) writeForm(mw *multipart.Writer, r io.Reader, name string) error {
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("write file part: %w", err)
	}

	meta, err := json.Marshal(pinataMetadata{Name: name})
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := mw.WriteField("pinataMetadata", string(meta)); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	opts, err := json.Marshal(pinataOptions{CIDVersion: p.cidVersion})
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	if err := mw.WriteField("pinataOptions", string(opts)); err != nil {
		return fmt.Errorf("write options: %w", err)
	}
	return mw.Close()
}

func uploadError(reason string, err error) error {
	return evidence.NewError(evidence.OpUpload, evidence.KindNetworkFailure, reason, err)
}

package event

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tidwall/gjson"

	"go.mau.fi/hicore/id"
)

// DownloadErrorKind enumerates the ways Download can fail, per the
// attachment pipeline's error taxonomy.
type DownloadErrorKind string

const (
	NoAttachment         DownloadErrorKind = "no_attachment"
	WrongEventType       DownloadErrorKind = "wrong_event_type"
	EncryptionDisabled   DownloadErrorKind = "encryption_disabled"
	KeyOpsMissingDecrypt DownloadErrorKind = "key_ops_missing_decrypt"
)

// DownloadError is returned by Download; Kind identifies which of the
// documented failure modes occurred.
type DownloadError struct {
	Kind DownloadErrorKind
	Err  error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Downloader fetches raw bytes for a resolved HTTP URL. It is injected so
// the event model never depends on a concrete HTTP client.
type Downloader interface {
	Get(ctx context.Context, url string) (io.ReadCloser, error)
}

// FileCache is the local attachment cache the Download pipeline consults
// before hitting the network, keyed by content URI.
type FileCache interface {
	Get(uri string) ([]byte, bool)
	Put(uri string, data []byte) error
	MaxFileSize() int64
}

// EncryptedFile is the Matrix "m.encrypted_file" envelope embedded in a
// content.file (or content.info.thumbnail_file) object.
type EncryptedFile struct {
	URL    string            `json:"url"`
	Key    json.RawMessage   `json:"key"`
	IV     string            `json:"iv"`
	Hashes map[string]string `json:"hashes"`
	V      string            `json:"v"`
}

// Decryptor decrypts a downloaded attachment given its encryption
// envelope; it is the narrow slice of the Encryption subsystem the event
// model needs.
type Decryptor interface {
	DecryptFile(ctx context.Context, ciphertext []byte, envelope EncryptedFile) ([]byte, error)
	Enabled() bool
}

// Download resolves, fetches (via the cache or the downloader), and (if
// necessary) decrypts the attachment of an m.room.message or m.sticker
// event. thumbnail selects the info.thumbnail_url / info.thumbnail_file
// variant; an event without one fails with NoAttachment rather than
// falling back to the main attachment.
func (e *Event) Download(ctx context.Context, homeserverBaseURL string, thumbnail bool, cache FileCache, dl Downloader, dec Decryptor) ([]byte, error) {
	if e.Type != "m.room.message" && e.Type != "m.sticker" {
		return nil, &DownloadError{Kind: WrongEventType}
	}
	uriField, fileField, ok := e.attachmentFields(thumbnail)
	if !ok {
		return nil, &DownloadError{Kind: NoAttachment}
	}

	var envelope EncryptedFile
	var encrypted bool
	var mxcStr string
	if fileField.Exists() {
		encrypted = true
		_ = json.Unmarshal([]byte(fileField.Raw), &envelope)
		mxcStr = envelope.URL
	} else {
		mxcStr = uriField.Str
	}
	if mxcStr == "" {
		return nil, &DownloadError{Kind: NoAttachment}
	}
	mxc, err := id.ParseContentURI(mxcStr)
	if err != nil {
		return nil, &DownloadError{Kind: NoAttachment, Err: err}
	}

	cacheKey := mxc.String()
	if thumbnail {
		cacheKey += "#thumb"
	}
	if cache != nil {
		if data, found := cache.Get(cacheKey); found {
			return data, nil
		}
	}

	var resolvedURL string
	if thumbnail {
		resolvedURL, err = mxc.ThumbnailURL(homeserverBaseURL, 256, 256, "scale")
	} else {
		resolvedURL, err = mxc.DownloadURL(homeserverBaseURL)
	}
	if err != nil {
		return nil, &DownloadError{Kind: NoAttachment, Err: err}
	}

	body, err := dl.Get(ctx, resolvedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment: %w", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment body: %w", err)
	}

	if cache != nil && int64(len(data)) <= cache.MaxFileSize() {
		_ = cache.Put(cacheKey, data)
	}

	if !encrypted {
		return data, nil
	}
	if dec == nil || !dec.Enabled() {
		return nil, &DownloadError{Kind: EncryptionDisabled}
	}
	if len(envelope.Key) == 0 || envelope.IV == "" || envelope.Hashes["sha256"] == "" {
		return nil, &DownloadError{Kind: KeyOpsMissingDecrypt}
	}
	if !verifyEncryptedSHA256(data, envelope.Hashes["sha256"]) {
		return nil, &DownloadError{Kind: KeyOpsMissingDecrypt, Err: fmt.Errorf("ciphertext hash mismatch")}
	}
	plaintext, err := dec.DecryptFile(ctx, data, envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt attachment: %w", err)
	}
	return plaintext, nil
}

// ContentType returns declared (the event content's "info.mimetype"
// field) if set, otherwise sniffs it from the downloaded bytes.
func ContentType(data []byte, declared string) string {
	if declared != "" {
		return declared
	}
	return mimetype.Detect(data).String()
}

// attachmentFields returns the plain-URL gjson result and the encrypted
// "file" object gjson result for the requested variant (main or
// thumbnail). ok is false when neither is present.
func (e *Event) attachmentFields(thumbnail bool) (url, file gjson.Result, ok bool) {
	prefix := ""
	if thumbnail {
		prefix = "info.thumbnail_"
	}
	url = gjson.GetBytes(e.Content, prefix+"url")
	file = gjson.GetBytes(e.Content, prefix+"file")
	return url, file, url.Exists() || file.Exists()
}

// verifyEncryptedSHA256 checks the downloaded ciphertext against the
// envelope's declared hash; Download calls it before handing the
// ciphertext to the Decryptor.
func verifyEncryptedSHA256(data []byte, expectedB64 string) bool {
	sum := sha256.Sum256(data)
	return base64.RawStdEncoding.EncodeToString(sum[:]) == expectedB64
}

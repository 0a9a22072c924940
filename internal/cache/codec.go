package cache

import (
	"encoding/base64"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var errBadEntry = errors.New("malformed cache entry")

// encodingBase64 marks content that is not valid UTF-8 and is stored base64
// encoded. Text content is stored as a plain JSON string.
const encodingBase64 = "base64"

// encodeEntry renders the persisted wire shape:
// {"content": "...", "expires": <epoch millis>, "ttl": <millis>} plus
// "encoding": "base64" for binary content.
func encodeEntry(e Entry) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	if utf8.Valid(e.Content) {
		b, err = sjson.SetBytes(nil, "content", string(e.Content))
	} else {
		b, err = sjson.SetBytes(nil, "content", base64.StdEncoding.EncodeToString(e.Content))
		if err == nil {
			b, err = sjson.SetBytes(b, "encoding", encodingBase64)
		}
	}
	if err != nil {
		return nil, err
	}
	if b, err = sjson.SetBytes(b, "expires", e.ExpiresAt.UnixMilli()); err != nil {
		return nil, err
	}
	return sjson.SetBytes(b, "ttl", e.TTL.Milliseconds())
}

func decodeEntry(b []byte) (Entry, error) {
	if !gjson.ValidBytes(b) {
		return Entry{}, errBadEntry
	}
	res := gjson.GetManyBytes(b, "content", "expires", "ttl", "encoding")
	if !res[0].Exists() || !res[1].Exists() {
		return Entry{}, errBadEntry
	}

	content := []byte(res[0].String())
	switch res[3].String() {
	case "":
	case encodingBase64:
		raw, err := base64.StdEncoding.DecodeString(res[0].String())
		if err != nil {
			return Entry{}, errBadEntry
		}
		content = raw
	default:
		return Entry{}, errBadEntry
	}

	return Entry{
		Content:   content,
		ExpiresAt: time.UnixMilli(res[1].Int()),
		TTL:       time.Duration(res[2].Int()) * time.Millisecond,
	}, nil
}

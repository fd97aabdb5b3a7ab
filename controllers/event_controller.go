package controllers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vnkhanh/recallai-backend/models"
	"github.com/vnkhanh/recallai-backend/services"
)

const finalizeEventType = "OBJECT_FINALIZE"

// flexInt accepts a JSON number or a decimal string, as GCS sends size as a string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		var s string
		if err2 := json.Unmarshal(b, &s); err2 != nil {
			return err
		}
		n = json.Number(s)
	}
	if n == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q", n)
	}
	*f = flexInt(v)
	return nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n)
	return nil
}

type storageObject struct {
	Name        string            `json:"name"`
	Bucket      string            `json:"bucket"`
	ContentType string            `json:"contentType"`
	Size        flexInt           `json:"size"`
	Generation  flexString        `json:"generation"`
	Metadata    map[string]string `json:"metadata"`
}

type pushEnvelope struct {
	Message *struct {
		Data       string            `json:"data"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
}

// decodeStorageEvent reads a GCS object notification, either raw or inside a
// Pub/Sub push envelope. skip is true for non-finalize notifications.
func decodeStorageEvent(body []byte) (ev models.UploadEvent, skip bool, err error) {
	raw := body
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != nil {
		if t := env.Message.Attributes["eventType"]; t != "" && t != finalizeEventType {
			return models.UploadEvent{}, true, nil
		}
		raw, err = base64.StdEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return models.UploadEvent{}, false, fmt.Errorf("decode message data: %w", err)
		}
	}

	var obj storageObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return models.UploadEvent{}, false, fmt.Errorf("decode object: %w", err)
	}
	if obj.Name == "" {
		return models.UploadEvent{}, false, errors.New("object name missing")
	}
	return models.UploadEvent{
		Bucket:      obj.Bucket,
		Name:        obj.Name,
		ContentType: obj.ContentType,
		Size:        int64(obj.Size),
		Generation:  string(obj.Generation),
		Language:    obj.Metadata["language"],
	}, false, nil
}

// StorageFinalize runs the pipeline for one finalized object. It always answers
// 200 so the push subscription does not redeliver a final outcome.
func (a *API) StorageFinalize(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		a.Log.Warn("read event body", "error", err)
		c.JSON(http.StatusOK, gin.H{"accepted": false})
		return
	}
	// Eventarc gửi kèm Ce-Type, chỉ nhận finalized
	if t := c.GetHeader("Ce-Type"); t != "" && t != "google.cloud.storage.object.v1.finalized" {
		c.JSON(http.StatusOK, gin.H{"accepted": false, "outcome": "ignored"})
		return
	}

	ev, skip, err := decodeStorageEvent(body)
	if skip {
		c.JSON(http.StatusOK, gin.H{"accepted": false, "outcome": "ignored"})
		return
	}
	if err != nil {
		a.Log.Warn("malformed storage event", "error", err)
		c.JSON(http.StatusOK, gin.H{"accepted": false})
		return
	}

	// Chạy pipeline, không hủy theo request
	res, err := a.Pipeline.Process(context.WithoutCancel(c.Request.Context()), ev)
	resp := gin.H{"accepted": res.Accepted(), "outcome": string(res.Outcome)}
	if res.Deck != nil {
		resp["deck_id"] = res.Deck.ID
	}
	if err != nil && res.Accepted() {
		a.Log.Info("storage event finished without a completed deck", "object", ev.Name, "outcome", string(res.Outcome), "error", err)
	}
	if errors.Is(err, services.ErrInvalidUpload) {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

package chat

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/adapter"
	"github.com/m-mizutani/ragademic/pkg/model"
)

// History is the archived transcript of one (course, session)
type History struct {
	Course    string          `json:"course"`
	Session   string          `json:"session"`
	UpdatedAt time.Time       `json:"updated_at"`
	Messages  []model.Message `json:"messages"`
}

func historyKey(course, session string) (string, error) {
	if err := model.ValidateCollectionName(course); err != nil {
		return "", err
	}
	if err := model.ValidateCollectionName(session); err != nil {
		return "", goerr.Wrap(model.ErrInvalidArgument, "invalid session ID", goerr.V("session", session), goerr.V("cause", err.Error()))
	}
	return "histories/" + course + "/" + session + ".json", nil
}

// SaveHistory writes the transcript to storage
func SaveHistory(ctx context.Context, storage adapter.Storage, course, session string, msgs []model.Message) error {
	key, err := historyKey(course, session)
	if err != nil {
		return err
	}

	data, err := json.Marshal(&History{
		Course:    course,
		Session:   session,
		UpdatedAt: time.Now(),
		Messages:  msgs,
	})
	if err != nil {
		return goerr.Wrap(err, "failed to marshal history")
	}

	writer, err := storage.Put(ctx, key)
	if err != nil {
		return goerr.Wrap(err, "failed to create storage writer", goerr.V("key", key))
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return goerr.Wrap(err, "failed to write history to storage", goerr.V("key", key))
	}
	if err := writer.Close(); err != nil {
		return goerr.Wrap(err, "failed to close storage writer", goerr.V("key", key))
	}
	return nil
}

// LoadHistory reads a transcript. A missing transcript fails with model.ErrNotFound.
func LoadHistory(ctx context.Context, storage adapter.Storage, course, session string) (*History, error) {
	key, err := historyKey(course, session)
	if err != nil {
		return nil, err
	}

	reader, err := storage.Get(ctx, key)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get history from storage", goerr.V("key", key))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read history data", goerr.V("key", key))
	}

	var history History
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal history", goerr.V("key", key))
	}
	return &history, nil
}

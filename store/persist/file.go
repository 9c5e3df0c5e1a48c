package persist

import (
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson"
)

// fileProvider serializes each stream as a single bson document written
// atomically (temp file + rename).
type fileProvider struct {
	retainedPath string
	sessionsPath string
}

func NewFileProvider(retainedPath, sessionsPath string) Provider {
	return &fileProvider{
		retainedPath: retainedPath,
		sessionsPath: sessionsPath,
	}
}

type retainedDoc struct {
	Messages []RetainedRecord `bson:"messages"`
}

func (this *fileProvider) SaveRetained(records []RetainedRecord) error {
	raw, err := bson.Marshal(retainedDoc{Messages: records})
	if err != nil {
		return err
	}
	return writeAtomic(this.retainedPath, raw)
}

func (this *fileProvider) LoadRetained() ([]RetainedRecord, error) {
	raw, err := os.ReadFile(this.retainedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileMissing
		}
		return nil, err
	}
	var doc retainedDoc
	if err = bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc.Messages, nil
}

func (this *fileProvider) SaveSessions(data *SessionsAndSubscriptions) error {
	raw, err := bson.Marshal(data)
	if err != nil {
		return err
	}
	return writeAtomic(this.sessionsPath, raw)
}

func (this *fileProvider) LoadSessions() (*SessionsAndSubscriptions, error) {
	raw, err := os.ReadFile(this.sessionsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileMissing
		}
		return nil, err
	}
	data := &SessionsAndSubscriptions{}
	if err = bson.Unmarshal(raw, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (this *fileProvider) Close() error {
	return nil
}

func writeAtomic(path string, raw []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".fmq-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err = tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var ErrNotFound = errors.New("Object not found")
var ErrInvalidName = errors.New("Invalid object name")

// Storage is an abstraction of a blob store, which archives the images that we caption
type Storage interface {
	// When finished, you must close the WriteCloser. The object is only complete once Close returns nil.
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader. Returns ErrNotFound if the object does not exist.
	ReadFile(ctx context.Context, name string) (*File, error)

	// Returns ErrNotFound if the object does not exist
	DeleteFile(ctx context.Context, name string) error
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// ImageKey is the name under which the image of caption 'id' is archived
func ImageKey(id int64) string {
	return fmt.Sprintf("captions/%v.jpg", id)
}

func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

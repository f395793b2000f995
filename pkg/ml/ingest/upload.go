// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/monkfish/lvd/pkg/core/tensors"
	"github.com/monkfish/lvd/pkg/storage/blobstore"
	"github.com/monkfish/lvd/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	// descriptionSuffix is appended to the name of a video object to name its description object.
	descriptionSuffix = ".json"

	// LatentSuffix is the extension of the objects written by LatentUploader.
	LatentSuffix = ".latent"

	// DefaultConcurrency of the uploads.
	DefaultConcurrency = 8
)

// LoadMetadata reads the descriptions of the videos from a JSON file holding an object that maps the base
// names of the videos to their descriptions.
func LoadMetadata(filePath string) (map[string]string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading videos metadata")
	}
	var metadata map[string]string
	if err := json.Unmarshal(contents, &metadata); err != nil {
		return nil, errors.Wrapf(err, "decoding videos metadata in %q", filePath)
	}
	return metadata, nil
}

// EncodeLatent serializes a (description, array) record, as read in the ArrayTuple mode.
//
// Format: description length (uint32 little-endian), description, array (see tensors.Tensor.WriteTo).
func EncodeLatent(description string, array *tensors.Tensor) ([]byte, error) {
	if array == nil {
		return nil, errors.New("EncodeLatent requires an array")
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(description)))
	buf.WriteString(description)
	if _, err := array.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeLatent is the inverse of EncodeLatent.
func DecodeLatent(data []byte) (description string, array *tensors.Tensor, err error) {
	reader := bytes.NewReader(data)
	var length uint32
	if err = binary.Read(reader, binary.LittleEndian, &length); err != nil {
		return "", nil, errors.Wrap(err, "reading latent record")
	}
	if int64(length) > int64(reader.Len()) {
		return "", nil, errors.Errorf("latent record description of %d bytes in a record of %d bytes",
			length, len(data))
	}
	descriptionBytes := make([]byte, length)
	if _, err = io.ReadFull(reader, descriptionBytes); err != nil {
		return "", nil, errors.Wrap(err, "reading latent record")
	}
	array, err = tensors.ReadTensor(reader)
	if err != nil {
		return "", nil, errors.WithMessage(err, "reading latent record")
	}
	return string(descriptionBytes), array, nil
}

// VideoUploader uploads local videos, and a description object for each, to a blob store.
type VideoUploader struct {
	store       blobstore.Store
	prefix      string
	metadata    map[string]string
	extensions  []string
	concurrency int
}

// NewVideoUploader creates an uploader of videos to store under prefix. metadata holds the descriptions by
// file base name, and can be nil.
func NewVideoUploader(store blobstore.Store, prefix string, metadata map[string]string) *VideoUploader {
	return &VideoUploader{
		store:       store,
		prefix:      prefix,
		metadata:    metadata,
		extensions:  []string{".mp4", ".avi", ".mov", ".tar"},
		concurrency: DefaultConcurrency,
	}
}

// Extensions sets the file extensions (with the dot) considered videos.
func (u *VideoUploader) Extensions(extensions ...string) *VideoUploader {
	u.extensions = extensions
	return u
}

// Concurrency sets the maximum number of simultaneous uploads.
func (u *VideoUploader) Concurrency(n int) *VideoUploader {
	u.concurrency = max(n, 1)
	return u
}

// UploadDir uploads the videos in dir (not recursively), each as an object named after its file, followed by
// an object with the same name plus ".json" holding {"description": ...}.
//
// It returns the names of the video objects uploaded, sorted. It stops at the first error.
func (u *VideoUploader) UploadDir(ctx context.Context, dir string) ([]string, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing videos to upload")
	}
	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && slices.Contains(u.extensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			files = append(files, entry.Name())
		}
	}

	names := make([]string, len(files))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for ii, file := range files {
		g.Go(func() error {
			name, err := u.upload(gCtx, filepath.Join(dir, file))
			names[ii] = name
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

func (u *VideoUploader) upload(ctx context.Context, filePath string) (string, error) {
	base := filepath.Base(filePath)
	name := blobstore.Join(u.prefix, base)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", errors.Wrapf(err, "reading video")
	}
	if err := u.store.Put(ctx, name, data); err != nil {
		return "", errors.WithMessagef(err, "uploading %q", filePath)
	}
	description, found := u.metadata[base]
	if !found {
		description = NoDescription
	}
	descriptionJSON, err := json.Marshal(map[string]string{"description": description})
	if err != nil {
		return "", errors.Wrap(err, "encoding description")
	}
	if err := u.store.Put(ctx, name+descriptionSuffix, descriptionJSON); err != nil {
		return "", errors.WithMessagef(err, "uploading description of %q", filePath)
	}
	klog.V(1).Infof("uploaded %q (%s) to %q", filePath, humanize.Bytes(uint64(len(data))), name)
	return name, nil
}

// LatentRecord is a (description, array) pair to upload with LatentUploader.
type LatentRecord struct {
	Name        string
	Description string
	Array       *tensors.Tensor
}

// LatentUploader uploads encoded (description, array) records, to be read by a Loader in ArrayTuple mode.
type LatentUploader struct {
	store       blobstore.Store
	prefix      string
	concurrency int
}

// NewLatentUploader creates an uploader of records to store under prefix.
func NewLatentUploader(store blobstore.Store, prefix string) *LatentUploader {
	return &LatentUploader{store: store, prefix: prefix, concurrency: DefaultConcurrency}
}

// Concurrency sets the maximum number of simultaneous uploads.
func (u *LatentUploader) Concurrency(n int) *LatentUploader {
	u.concurrency = max(n, 1)
	return u
}

// Upload one record as the object prefix/name + LatentSuffix, and returns the object name.
func (u *LatentUploader) Upload(ctx context.Context, description string, array *tensors.Tensor,
	name string) (string, error) {
	data, err := EncodeLatent(description, array)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", errors.New("latent record without a name")
	}
	object := blobstore.Join(u.prefix, name+LatentSuffix)
	if err := blobstore.ValidateName(object); err != nil {
		return "", err
	}
	if err := u.store.Put(ctx, object, data); err != nil {
		return "", errors.WithMessagef(err, "uploading latent record %q", name)
	}
	klog.V(2).Infof("uploaded latent record %q (%s)", object, humanize.Bytes(uint64(len(data))))
	return object, nil
}

// UploadAll uploads the records concurrently. It stops at the first error.
func (u *LatentUploader) UploadAll(ctx context.Context, records []LatentRecord) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for _, record := range records {
		g.Go(func() error {
			_, err := u.Upload(gCtx, record.Description, record.Array, record.Name)
			return err
		})
	}
	return g.Wait()
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"archive/tar"
	"bytes"
	"fmt"
	"image"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// VideoDecoder converts the contents of a video object to its frames, in order.
type VideoDecoder interface {
	DecodeFrames(data []byte) ([]image.Image, error)
}

// VideoDecoderFunc adapts a function to a VideoDecoder.
type VideoDecoderFunc func(data []byte) ([]image.Image, error)

// DecodeFrames implements VideoDecoder.
func (fn VideoDecoderFunc) DecodeFrames(data []byte) ([]image.Image, error) { return fn(data) }

// FrameArchiveDecoder decodes videos stored as a tar archive of frame images (PNG, JPEG, GIF, BMP or TIFF),
// ordered by file name. Other files in the archive are ignored.
type FrameArchiveDecoder struct{}

var frameExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff"}

// DecodeFrames implements VideoDecoder.
func (FrameArchiveDecoder) DecodeFrames(data []byte) ([]image.Image, error) {
	type frame struct {
		name string
		img  image.Image
	}
	var frames []frame
	reader := tar.NewReader(bytes.NewReader(data))
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading frame archive")
		}
		ext := strings.ToLower(path.Ext(header.Name))
		if header.Typeflag != tar.TypeReg || !slices.Contains(frameExtensions, ext) {
			continue
		}
		img, err := imaging.Decode(reader)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding frame %q", header.Name)
		}
		frames = append(frames, frame{name: header.Name, img: img})
	}
	slices.SortFunc(frames, func(a, b frame) int { return strings.Compare(a.name, b.name) })
	images := make([]image.Image, len(frames))
	for ii, f := range frames {
		images[ii] = f.img
	}
	return images, nil
}

// EncodeFrameArchive writes frames as a tar archive of PNG images, readable by FrameArchiveDecoder.
func EncodeFrameArchive(frames []image.Image) ([]byte, error) {
	var buf bytes.Buffer
	writer := tar.NewWriter(&buf)
	for ii, img := range frames {
		var png bytes.Buffer
		if err := imaging.Encode(&png, img, imaging.PNG); err != nil {
			return nil, errors.Wrapf(err, "encoding frame %d", ii)
		}
		header := &tar.Header{
			Name:     fmt.Sprintf("frame_%06d.png", ii),
			Mode:     0644,
			Size:     int64(png.Len()),
			Typeflag: tar.TypeReg,
		}
		if err := writer.WriteHeader(header); err != nil {
			return nil, errors.Wrap(err, "writing frame archive")
		}
		if _, err := writer.Write(png.Bytes()); err != nil {
			return nil, errors.Wrap(err, "writing frame archive")
		}
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "writing frame archive")
	}
	return buf.Bytes(), nil
}

// resizeFrames to exactly width x height, not preserving the aspect ratio.
func resizeFrames(frames []image.Image, width, height int) []image.Image {
	resized := make([]image.Image, len(frames))
	for ii, frame := range frames {
		if b := frame.Bounds(); b.Dx() == width && b.Dy() == height {
			resized[ii] = frame
			continue
		}
		resized[ii] = imaging.Resize(frame, width, height, imaging.Lanczos)
	}
	return resized
}

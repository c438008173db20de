// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/gob"
	"os"
	"reflect"

	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/pkg/errors"
)

// GobSerialize the Tensor in binary format: first the shape, then the flat
// data. It returns an error for I/O errors and panics for invalid tensors.
//
// This is also the framing used by the process-group backend to move tensors
// between ranks.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) (err error) {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	t.AssertValid()
	err = t.shape.GobSerialize(encoder)
	if err != nil {
		return
	}
	t.ConstFlatData(func(flat any) {
		err = encoder.Encode(flat)
		if err != nil {
			err = errors.Wrapf(err, "failed to write tensor data")
		}
	})
	return
}

// GobDeserialize a Tensor from the decoder. Returns the new tensor or an
// error.
func GobDeserialize(decoder *gob.Decoder) (t *Tensor, err error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor shape")
		return
	}
	flatPtrV := reflect.New(reflect.SliceOf(shape.DType.GoType()))
	err = decoder.Decode(flatPtrV.Interface())
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor data")
		return
	}
	// Use the slice allocated by the decoder directly, avoiding a copy.
	t = &Tensor{
		shape: shape,
		flat:  flatPtrV.Elem().Interface(),
	}
	if reflect.ValueOf(t.flat).Len() != shape.Size() {
		return nil, errors.Errorf("deserialized Tensor data has %d values, but shape %s requires %d",
			reflect.ValueOf(t.flat).Len(), shape, shape.Size())
	}
	return
}

// Save the tensor to the given file path.
//
// It returns an error for I/O errors. It panics if the tensor is invalid.
func (t *Tensor) Save(filePath string) (err error) {
	t.AssertValid()
	var f *os.File
	f, err = os.Create(filePath)
	if err != nil {
		err = errors.Wrapf(err, "creating %q to save tensor", filePath)
		return
	}
	enc := gob.NewEncoder(f)
	err = t.GobSerialize(enc)
	if err != nil {
		err = errors.WithMessagef(err, "saving Tensor to %q", filePath)
		_ = f.Close()
		return
	}
	err = f.Close()
	if err != nil {
		err = errors.Wrapf(err, "close file %q, where tensor was saved", filePath)
		return
	}
	return
}

// Load a tensor from the file path given.
func Load(filePath string) (t *Tensor, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		err = errors.Wrapf(err, "opening %q to load Tensor", filePath)
		return
	}
	dec := gob.NewDecoder(f)
	t, err = GobDeserialize(dec)
	if err != nil {
		err = errors.WithMessagef(err, "loading Tensor from %q", filePath)
		_ = f.Close()
		return
	}
	_ = f.Close()
	return
}

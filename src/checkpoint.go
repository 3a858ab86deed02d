package paint

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Checkpoint wire format (protobuf encoding, no generated code):
//
//	Checkpoint { 1: name string, 2: epoch varint, 3: repeated Tensor state,
//	             4: Optimizer optimizer, 5: version string }
//	Tensor     { 1: packed varint shape, 2: packed fixed64 data }
//	Optimizer  { 1: step varint, 2: lr fixed64, 3: beta1 fixed64,
//	             4: beta2 fixed64, 5: epsilon fixed64,
//	             6: repeated Tensor m, 7: repeated Tensor v }
//
// state holds the module's parameters followed by its buffers.
const (
	ckptName      protowire.Number = 1
	ckptEpoch     protowire.Number = 2
	ckptState     protowire.Number = 3
	ckptOptimizer protowire.Number = 4
	ckptVersion   protowire.Number = 5

	tensorShape protowire.Number = 1
	tensorData  protowire.Number = 2

	optStep    protowire.Number = 1
	optLR      protowire.Number = 2
	optBeta1   protowire.Number = 3
	optBeta2   protowire.Number = 4
	optEpsilon protowire.Number = 5
	optM       protowire.Number = 6
	optV       protowire.Number = 7
)

// CheckpointStore saves and restores modules with their optimizer state
// under one directory.
type CheckpointStore struct {
	Dir string
}

func NewCheckpointStore(dir string) *CheckpointStore {
	return &CheckpointStore{Dir: dir}
}

// CheckpointInfo describes a loaded checkpoint.
type CheckpointInfo struct {
	Name         string
	Epoch        int
	Version      string
	HasOptimizer bool
}

// Path returns <Dir>/<name>_<epoch:03d>.ckpt.
func (s *CheckpointStore) Path(name string, epoch int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_%03d.ckpt", name, epoch))
}

// Save writes module (and opt, when not nil) to Path(name, epoch). The file
// is written next to its destination and renamed into place.
func (s *CheckpointStore) Save(module Module, name string, epoch int, opt *Adam) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create checkpoint directory")
	}
	path := s.Path(name, epoch)

	buf := encodeCheckpoint(module, name, epoch, opt)

	tmp, err := os.CreateTemp(s.Dir, name+".*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "create checkpoint")
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "write checkpoint %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "write checkpoint %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "write checkpoint %s", path)
	}
	return path, nil
}

// Load restores module (and opt, when not nil and the file carries optimizer
// state) from path. Nothing is modified unless every stored tensor matches
// the live one.
func (s *CheckpointStore) Load(path string, module Module, opt *Adam) (*CheckpointInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint")
	}
	ck, err := decodeCheckpoint(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}

	live := append(module.Parameters(), module.Buffers()...)
	if len(ck.state) != len(live) {
		return nil, errors.Wrapf(ErrCheckpointSchema, "%s holds %d tensors, module has %d", path, len(ck.state), len(live))
	}
	for i, t := range ck.state {
		if !sameShape(t.shape, live[i].shape) {
			return nil, errors.Wrapf(ErrCheckpointSchema, "%s tensor %d has shape %v, module has %v", path, i, t.shape, live[i].shape)
		}
	}
	if opt != nil && ck.optimizer != nil {
		if err := opt.Restore(*ck.optimizer); err != nil {
			return nil, errors.Wrapf(err, "restore optimizer from %s", path)
		}
	}
	for i, t := range ck.state {
		copy(live[i].data, t.data)
	}

	return &CheckpointInfo{
		Name:         ck.name,
		Epoch:        ck.epoch,
		Version:      ck.version,
		HasOptimizer: ck.optimizer != nil,
	}, nil
}

type checkpoint struct {
	name      string
	epoch     int
	version   string
	state     []*Tensor
	optimizer *AdamState
}

func encodeCheckpoint(module Module, name string, epoch int, opt *Adam) []byte {
	var b []byte
	b = protowire.AppendTag(b, ckptName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = protowire.AppendTag(b, ckptEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(epoch))
	for _, t := range append(module.Parameters(), module.Buffers()...) {
		b = protowire.AppendTag(b, ckptState, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(t))
	}
	if opt != nil {
		b = protowire.AppendTag(b, ckptOptimizer, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOptimizer(opt))
	}
	b = protowire.AppendTag(b, ckptVersion, protowire.BytesType)
	b = protowire.AppendString(b, Version)
	return b
}

func encodeTensor(t *Tensor) []byte {
	var shape []byte
	for _, s := range t.shape {
		shape = protowire.AppendVarint(shape, uint64(s))
	}
	data := make([]byte, 0, 8*len(t.data))
	for _, v := range t.data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}

	var b []byte
	b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)
	b = protowire.AppendTag(b, tensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

func encodeOptimizer(opt *Adam) []byte {
	state, cfg := opt.State(), opt.Config()
	var b []byte
	b = protowire.AppendTag(b, optStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(state.Step))
	for _, f := range []struct {
		num protowire.Number
		v   float64
	}{{optLR, cfg.LR}, {optBeta1, cfg.Beta1}, {optBeta2, cfg.Beta2}, {optEpsilon, cfg.Epsilon}} {
		b = protowire.AppendTag(b, f.num, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(f.v))
	}
	for _, m := range state.M {
		b = protowire.AppendTag(b, optM, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(m))
	}
	for _, v := range state.V {
		b = protowire.AppendTag(b, optV, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(v))
	}
	return b
}

// consumeFields hands each tagged field of b to fn. Fields fn does not consume
// are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func wireTypeError(num protowire.Number, typ protowire.Type) error {
	return errors.Errorf("field %d has wire type %d", num, typ)
}

func decodeCheckpoint(raw []byte) (*checkpoint, error) {
	ck := &checkpoint{}
	err := consumeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case ckptName, ckptVersion, ckptState, ckptOptimizer:
			if typ != protowire.BytesType {
				return 0, wireTypeError(num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			switch num {
			case ckptName:
				ck.name = string(v)
			case ckptVersion:
				ck.version = string(v)
			case ckptState:
				t, err := decodeTensor(v)
				if err != nil {
					return 0, errors.Wrapf(err, "state tensor %d", len(ck.state))
				}
				ck.state = append(ck.state, t)
			case ckptOptimizer:
				st, err := decodeOptimizer(v)
				if err != nil {
					return 0, errors.Wrap(err, "optimizer")
				}
				ck.optimizer = st
			}
			return n, nil
		case ckptEpoch:
			if typ != protowire.VarintType {
				return 0, wireTypeError(num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			ck.epoch = int(v)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return ck, nil
}

func decodeTensor(raw []byte) (*Tensor, error) {
	var shape []int
	var data []float64
	err := consumeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != tensorShape && num != tensorData {
			return 0, nil
		}
		if typ != protowire.BytesType {
			return 0, wireTypeError(num, typ)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		for len(v) > 0 {
			var m int
			if num == tensorShape {
				var s uint64
				s, m = protowire.ConsumeVarint(v)
				shape = append(shape, int(s))
			} else {
				var bits uint64
				bits, m = protowire.ConsumeFixed64(v)
				data = append(data, math.Float64frombits(bits))
			}
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			v = v[m:]
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return TensorFrom(data, shape...)
}

func decodeOptimizer(raw []byte) (*AdamState, error) {
	st := &AdamState{}
	err := consumeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case optStep:
			if typ != protowire.VarintType {
				return 0, wireTypeError(num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			st.Step = int(v)
			return n, nil
		case optM, optV:
			if typ != protowire.BytesType {
				return 0, wireTypeError(num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t, err := decodeTensor(v)
			if err != nil {
				return 0, err
			}
			if num == optM {
				st.M = append(st.M, t)
			} else {
				st.V = append(st.V, t)
			}
			return n, nil
		}
		// hyperparameters are informational; the live optimizer keeps its own
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

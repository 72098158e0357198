package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Minimal subset of the ONNX protobuf schema (onnx.proto3), encoded and
// decoded field by field. Unknown fields are skipped on decode.

const (
	onnxIRVersion    = 7
	ONNXOpsetVersion = 13

	tensorFloat = 1 // TensorProto.DataType FLOAT

	attrFloat = 1 // AttributeProto.AttributeType FLOAT
	attrInt   = 2 // AttributeProto.AttributeType INT
)

type ModelProto struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetVersion    int64
	MetadataProps   map[string]string
}

type GraphProto struct {
	Name        string
	Nodes       []*NodeProto
	Initializer []*TensorProto
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
}

type AttributeProto struct {
	Name string
	Type int64
	F    float32
	I    int64
}

type TensorProto struct {
	Dims      []int64
	DataType  int64
	FloatData []float32
	Name      string
}

// ValueInfoProto describes a float tensor. A dimension of -1 is written as
// the symbolic dimension "batch".
type ValueInfoProto struct {
	Name  string
	Shape []int64
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.IRVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	b = appendVarint(b, 5, m.ModelVersion)
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, m.Graph.marshal())
	}
	var opset []byte
	opset = appendVarint(opset, 2, m.OpsetVersion)
	b = appendMessage(b, 8, opset)
	for _, k := range sortedKeys(m.MetadataProps) {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, m.MetadataProps[k])
		b = appendMessage(b, 14, entry)
	}
	return b
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Nodes {
		b = appendMessage(b, 1, n.marshal())
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessage(b, 5, t.marshal())
	}
	for _, v := range g.Input {
		b = appendMessage(b, 11, v.marshal())
	}
	for _, v := range g.Output {
		b = appendMessage(b, 12, v.marshal())
	}
	return b
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	for _, in := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessage(b, 5, a.marshal())
	}
	return b
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case attrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case attrInt:
		b = appendVarint(b, 3, a.I)
	}
	b = appendVarint(b, 20, a.Type)
	return b
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	var dims []byte
	for _, d := range t.Dims {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = appendMessage(b, 1, dims)
	b = appendVarint(b, 2, t.DataType)
	floats := make([]byte, 0, 4*len(t.FloatData))
	for _, f := range t.FloatData {
		floats = protowire.AppendFixed32(floats, math.Float32bits(f))
	}
	b = appendMessage(b, 4, floats)
	b = appendString(b, 8, t.Name)
	return b
}

func (v *ValueInfoProto) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var dim []byte
		if d < 0 {
			dim = appendString(dim, 2, "batch")
		} else {
			dim = appendVarint(dim, 1, d)
		}
		shape = appendMessage(shape, 1, dim)
	}
	var tensor []byte
	tensor = appendVarint(tensor, 1, tensorFloat)
	tensor = appendMessage(tensor, 2, shape)
	var typ []byte
	typ = appendMessage(typ, 1, tensor)

	var b []byte
	b = appendString(b, 1, v.Name)
	b = appendMessage(b, 2, typ)
	return b
}

// field is one decoded protobuf field. Bytes is set for length-delimited
// fields, Value for varint and fixed-width fields.
type field struct {
	Num   protowire.Number
	Type  protowire.Type
	Bytes []byte
	Value uint64
}

func forEachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		f := field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Value, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.Value = uint64(v)
		case protowire.Fixed64Type:
			f.Value, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalModel(b []byte) (*ModelProto, error) {
	m := &ModelProto{MetadataProps: map[string]string{}}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			m.IRVersion = int64(f.Value)
		case 2:
			m.ProducerName = string(f.Bytes)
		case 3:
			m.ProducerVersion = string(f.Bytes)
		case 4:
			m.Domain = string(f.Bytes)
		case 5:
			m.ModelVersion = int64(f.Value)
		case 6:
			m.DocString = string(f.Bytes)
		case 7:
			g, err := unmarshalGraph(f.Bytes)
			if err != nil {
				return fmt.Errorf("graph: %w", err)
			}
			m.Graph = g
		case 8:
			return forEachField(f.Bytes, func(f field) error {
				if f.Num == 2 {
					m.OpsetVersion = int64(f.Value)
				}
				return nil
			})
		case 14:
			var k, v string
			err := forEachField(f.Bytes, func(f field) error {
				switch f.Num {
				case 1:
					k = string(f.Bytes)
				case 2:
					v = string(f.Bytes)
				}
				return nil
			})
			m.MetadataProps[k] = v
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalGraph(b []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			n, err := unmarshalNode(f.Bytes)
			if err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case 2:
			g.Name = string(f.Bytes)
		case 5:
			t, err := unmarshalTensor(f.Bytes)
			if err != nil {
				return err
			}
			g.Initializer = append(g.Initializer, t)
		case 11, 12:
			v, err := unmarshalValueInfo(f.Bytes)
			if err != nil {
				return err
			}
			if f.Num == 11 {
				g.Input = append(g.Input, v)
			} else {
				g.Output = append(g.Output, v)
			}
		}
		return nil
	})
	return g, err
}

func unmarshalNode(b []byte) (*NodeProto, error) {
	n := &NodeProto{}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			n.Input = append(n.Input, string(f.Bytes))
		case 2:
			n.Output = append(n.Output, string(f.Bytes))
		case 3:
			n.Name = string(f.Bytes)
		case 4:
			n.OpType = string(f.Bytes)
		case 5:
			a := &AttributeProto{}
			err := forEachField(f.Bytes, func(f field) error {
				switch f.Num {
				case 1:
					a.Name = string(f.Bytes)
				case 2:
					a.F = math.Float32frombits(uint32(f.Value))
				case 3:
					a.I = int64(f.Value)
				case 20:
					a.Type = int64(f.Value)
				}
				return nil
			})
			if err != nil {
				return err
			}
			n.Attribute = append(n.Attribute, a)
		}
		return nil
	})
	return n, err
}

func unmarshalTensor(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	var raw []byte
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			if f.Type == protowire.VarintType {
				t.Dims = append(t.Dims, int64(f.Value))
				return nil
			}
			for p := f.Bytes; len(p) > 0; {
				v, n := protowire.ConsumeVarint(p)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Dims = append(t.Dims, int64(v))
				p = p[n:]
			}
		case 2:
			t.DataType = int64(f.Value)
		case 4:
			if f.Type == protowire.Fixed32Type {
				t.FloatData = append(t.FloatData, math.Float32frombits(uint32(f.Value)))
				return nil
			}
			for p := f.Bytes; len(p) > 0; {
				v, n := protowire.ConsumeFixed32(p)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.FloatData = append(t.FloatData, math.Float32frombits(v))
				p = p[n:]
			}
		case 8:
			t.Name = string(f.Bytes)
		case 9:
			raw = f.Bytes
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tensor: %w", err)
	}
	if t.DataType != tensorFloat {
		return nil, fmt.Errorf("tensor %s: unsupported data type %d", t.Name, t.DataType)
	}
	if len(t.FloatData) == 0 && len(raw) > 0 {
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("tensor %s: raw data length %d is not a multiple of 4", t.Name, len(raw))
		}
		t.FloatData = make([]float32, len(raw)/4)
		for i := range t.FloatData {
			t.FloatData[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	return t, nil
}

func unmarshalValueInfo(b []byte) (*ValueInfoProto, error) {
	v := &ValueInfoProto{}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			v.Name = string(f.Bytes)
		case 2: // TypeProto
			return forEachField(f.Bytes, func(f field) error {
				if f.Num != 1 { // tensor_type
					return nil
				}
				return forEachField(f.Bytes, func(f field) error {
					if f.Num != 2 { // shape
						return nil
					}
					return forEachField(f.Bytes, func(f field) error {
						if f.Num != 1 {
							return nil
						}
						dim := int64(-1)
						err := forEachField(f.Bytes, func(f field) error {
							if f.Num == 1 {
								dim = int64(f.Value)
							}
							return nil
						})
						v.Shape = append(v.Shape, dim)
						return err
					})
				})
			})
		}
		return nil
	})
	return v, err
}

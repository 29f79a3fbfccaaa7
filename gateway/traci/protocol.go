// TraCI二进制协议的编解码
// 消息格式：int32总长度（含自身4字节） + 若干命令
// 命令格式：ubyte长度（含长度与命令ID字节）+ ubyte命令ID + 内容；长度超过255时长度字节为0，随后是int32长度
// 所有整数与浮点数均为大端序
package traci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// 命令
const (
	cmdGetVersion = 0x00
	cmdSimStep    = 0x02
	cmdClose      = 0x7f

	cmdGetTLVariable      = 0xa2
	cmdGetLaneVariable    = 0xa3
	cmdGetVehicleVariable = 0xa4
	cmdGetEdgeVariable    = 0xaa
	cmdGetSimVariable     = 0xab
	cmdSetTLVariable      = 0xc2

	responseOffset = 0x10 // get命令的返回命令ID为命令ID+0x10
)

// 返回状态
const (
	rtypeOK     = 0x00
	rtypeNotImp = 0x01
	rtypeErr    = 0xff
)

// 数据类型
const (
	typePosition2D = 0x01
	typeUByte      = 0x07
	typeByte       = 0x08
	typeInteger    = 0x09
	typeDouble     = 0x0b
	typeString     = 0x0c
	typeStringList = 0x0e
	typeCompound   = 0x0f
	typeDoubleList = 0x10
	typeColor      = 0x11
)

// 变量
const (
	varIDList = 0x00

	varLastStepVehicleNumber = 0x10
	varLastStepMeanSpeed     = 0x11
	varLastStepHalting       = 0x14

	varSpeed               = 0x40
	varType                = 0x4f
	varAcceleration        = 0x72
	varAccumulatedWaitTime = 0x87

	varTLRedYellowGreenState = 0x20
	varTLPhaseIndex          = 0x22
	varTLPhaseDuration       = 0x24
	varTLControlledLanes     = 0x26
	varTLControlledLinks     = 0x27
	varTLCurrentPhase        = 0x28
	varTLCurrentProgram      = 0x29
	varTLCompleteDefinition  = 0x2b

	varTime                   = 0x66
	varStartingTeleportNumber = 0x75
	varEndingTeleportNumber   = 0x77
	varArrivedNumber          = 0x79
	varMinExpectedNumber      = 0x7d
)

var (
	ErrProtocol = errors.New("traci: protocol error")
)

// CommandError 仿真返回的非OK状态
type CommandError struct {
	Command     byte
	Result      byte
	Description string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("traci: command 0x%02x failed (0x%02x): %s", e.Command, e.Result, e.Description)
}

// writer 命令内容的编码器
type writer struct {
	bytes.Buffer
}

func (w *writer) ubyte(v byte) {
	w.WriteByte(v)
}

func (w *writer) int32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.Write(b[:])
}

func (w *writer) double(v float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	w.Write(b[:])
}

func (w *writer) string(v string) {
	w.int32(int32(len(v)))
	w.WriteString(v)
}

func (w *writer) stringList(v []string) {
	w.int32(int32(len(v)))
	for _, s := range v {
		w.string(s)
	}
}

// typed 带类型前缀的值，支持int/float64/string/[]string/[]any（compound）
func (w *writer) typed(v any) error {
	switch v := v.(type) {
	case int32:
		w.ubyte(typeInteger)
		w.int32(v)
	case int:
		w.ubyte(typeInteger)
		w.int32(int32(v))
	case float64:
		w.ubyte(typeDouble)
		w.double(v)
	case string:
		w.ubyte(typeString)
		w.string(v)
	case []string:
		w.ubyte(typeStringList)
		w.stringList(v)
	case uint8:
		w.ubyte(typeUByte)
		w.ubyte(v)
	case []any:
		w.ubyte(typeCompound)
		w.int32(int32(len(v)))
		for _, item := range v {
			if err := w.typed(item); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: cannot encode %T", ErrProtocol, v)
	}
	return nil
}

// command 将命令ID与内容封装为一条命令
func command(id byte, content []byte) []byte {
	var w writer
	if n := len(content) + 2; n <= 255 {
		w.ubyte(byte(n))
	} else {
		w.ubyte(0)
		w.int32(int32(n + 4))
	}
	w.ubyte(id)
	w.Write(content)
	return w.Bytes()
}

// message 将若干命令封装为一条消息
func message(commands ...[]byte) []byte {
	var w writer
	total := 4
	for _, c := range commands {
		total += len(c)
	}
	w.int32(int32(total))
	for _, c := range commands {
		w.Write(c)
	}
	return w.Bytes()
}

// storage 响应消息的解码器
type storage struct {
	buf []byte
	pos int
}

func newStorage(buf []byte) *storage {
	return &storage{buf: buf}
}

func (s *storage) remaining() int {
	return len(s.buf) - s.pos
}

func (s *storage) need(n int) error {
	if n < 0 || s.remaining() < n {
		return fmt.Errorf("%w: need %d bytes, %d left", ErrProtocol, n, s.remaining())
	}
	return nil
}

func (s *storage) ubyte() (byte, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	v := s.buf[s.pos]
	s.pos++
	return v, nil
}

func (s *storage) int32() (int32, error) {
	if err := s.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(s.buf[s.pos:]))
	s.pos += 4
	return v, nil
}

func (s *storage) double() (float64, error) {
	if err := s.need(8); err != nil {
		return 0, err
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(s.buf[s.pos:]))
	s.pos += 8
	return v, nil
}

func (s *storage) string() (string, error) {
	n, err := s.int32()
	if err != nil {
		return "", err
	}
	if err := s.need(int(n)); err != nil {
		return "", err
	}
	v := string(s.buf[s.pos : s.pos+int(n)])
	s.pos += int(n)
	return v, nil
}

func (s *storage) stringList() ([]string, error) {
	n, err := s.int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative list length %d", ErrProtocol, n)
	}
	v := make([]string, 0, n)
	for range n {
		item, err := s.string()
		if err != nil {
			return nil, err
		}
		v = append(v, item)
	}
	return v, nil
}

// typed 读取一个带类型前缀的值
// 返回：int32 | float64 | string | []string | uint8 | int8 | []float64 | []any（compound，递归）
func (s *storage) typed() (any, error) {
	t, err := s.ubyte()
	if err != nil {
		return nil, err
	}
	switch t {
	case typeInteger:
		return s.int32()
	case typeDouble:
		return s.double()
	case typeString:
		return s.string()
	case typeStringList:
		return s.stringList()
	case typeUByte:
		return s.ubyte()
	case typeByte:
		v, err := s.ubyte()
		return int8(v), err
	case typePosition2D:
		x, err := s.double()
		if err != nil {
			return nil, err
		}
		y, err := s.double()
		return []float64{x, y}, err
	case typeColor:
		if err := s.need(4); err != nil {
			return nil, err
		}
		v := []any{s.buf[s.pos], s.buf[s.pos+1], s.buf[s.pos+2], s.buf[s.pos+3]}
		s.pos += 4
		return v, nil
	case typeDoubleList:
		n, err := s.int32()
		if err != nil {
			return nil, err
		}
		v := make([]float64, 0, max(n, 0))
		for range n {
			d, err := s.double()
			if err != nil {
				return nil, err
			}
			v = append(v, d)
		}
		return v, nil
	case typeCompound:
		n, err := s.int32()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: negative compound length %d", ErrProtocol, n)
		}
		v := make([]any, 0, n)
		for range n {
			item, err := s.typed()
			if err != nil {
				return nil, err
			}
			v = append(v, item)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrProtocol, t)
	}
}

// commandHeader 读取命令头
// 返回：命令ID与命令内容的长度
func (s *storage) commandHeader() (byte, int, error) {
	start := s.pos
	n, err := s.ubyte()
	if err != nil {
		return 0, 0, err
	}
	length := int(n)
	if n == 0 {
		l, err := s.int32()
		if err != nil {
			return 0, 0, err
		}
		length = int(l)
	}
	id, err := s.ubyte()
	if err != nil {
		return 0, 0, err
	}
	content := length - (s.pos - start)
	if err := s.need(content); err != nil {
		return 0, 0, err
	}
	return id, content, nil
}

// status 读取状态响应，非OK时返回CommandError
func (s *storage) status(expect byte) error {
	id, _, err := s.commandHeader()
	if err != nil {
		return err
	}
	result, err := s.ubyte()
	if err != nil {
		return err
	}
	desc, err := s.string()
	if err != nil {
		return err
	}
	if id != expect {
		return fmt.Errorf("%w: status for command 0x%02x, want 0x%02x", ErrProtocol, id, expect)
	}
	if result != rtypeOK {
		return &CommandError{Command: id, Result: result, Description: desc}
	}
	return nil
}

package service

import (
	"encoding/json"
)

// jsonCodec 以encoding/json编解码普通Go结构体的connect编解码器
// 消息不是protobuf生成类型，因此替换connect内置的同名json编解码器
type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

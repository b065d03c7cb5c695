// Package stt 实现斗鱼 STT 序列化协议的编解码：
// 负载为 key@=value/ 形式的扁平键值对，帧为 小端长度×2 + 操作码 + 负载 + 0x00。
package stt

import (
	"bytes"
	"encoding/binary"
	"strings"
)

const (
	// 客户端发往服务端的操作码
	clientOpCode uint32 = 689
	headerSize          = 12
)

// Escape 转义负载值中的保留字符：@ -> @A，/ -> @S
func Escape(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "@", "@A"), "/", "@S")
}

// Unescape 还原 Escape 的转义（注意顺序：先还原 @S 再还原 @A）
func Unescape(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "@S", "/"), "@A", "@")
}

// Encode 将键值对编码为 STT 负载，键与值都做转义，迭代顺序不做保证
func Encode(m map[string]string) string {
	var sb strings.Builder
	for k, v := range m {
		sb.WriteString(Escape(k))
		sb.WriteString("@=")
		sb.WriteString(Escape(v))
		sb.WriteString("/")
	}
	return sb.String()
}

// Parse 将 STT 负载解析为键值对。
// 不含 @= 的 token 被忽略，键与值在切分后做反转义。
func Parse(payload string) map[string]string {
	result := make(map[string]string)
	for _, token := range strings.Split(payload, "/") {
		if token == "" {
			continue
		}
		idx := strings.Index(token, "@=")
		if idx < 0 {
			continue
		}
		result[Unescape(token[:idx])] = Unescape(token[idx+2:])
	}
	return result
}

// Pack 将单条 STT 负载打包为二进制帧
func Pack(payload string) []byte {
	if !strings.HasSuffix(payload, "/") {
		payload += "/"
	}
	body := append([]byte(payload), 0x00)
	length := uint32(len(body) + 8)

	buf := make([]byte, 0, headerSize+len(body))
	buf = binary.LittleEndian.AppendUint32(buf, length)
	buf = binary.LittleEndian.AppendUint32(buf, length)
	buf = binary.LittleEndian.AppendUint32(buf, clientOpCode)
	return append(buf, body...)
}

// PayloadIter 从一段二进制数据中惰性取出 STT 负载，
// 支持同一缓冲区中拼接的多个帧；遇到截断的帧停止，剩余字节保留在 Rest 中。
type PayloadIter struct {
	buf       []byte
	offset    int
	malformed int
}

// IterPayloads 创建对 data 的负载迭代器，不复制数据
func IterPayloads(data []byte) *PayloadIter {
	return &PayloadIter{buf: data}
}

// Next 返回下一条负载；没有完整帧时返回 ("", false)
func (it *PayloadIter) Next() (string, bool) {
	for it.offset+4 <= len(it.buf) {
		length := binary.LittleEndian.Uint32(it.buf[it.offset:])
		packetSize := int(length) + 4
		if packetSize <= headerSize {
			// 帧头声明的长度非法，无法安全推进，丢弃剩余数据
			it.malformed++
			it.offset = len(it.buf)
			return "", false
		}
		if it.offset+packetSize > len(it.buf) {
			// 半帧，等待更多数据
			return "", false
		}
		payload := it.buf[it.offset+headerSize : it.offset+packetSize]
		it.offset += packetSize
		if idx := bytes.IndexByte(payload, 0x00); idx >= 0 {
			payload = payload[:idx]
		}
		return string(payload), true
	}
	return "", false
}

// Rest 返回未被消费的字节（半帧前缀）
func (it *PayloadIter) Rest() []byte {
	return it.buf[min(it.offset, len(it.buf)):]
}

// Malformed 返回迭代过程中遇到的坏帧数
func (it *PayloadIter) Malformed() int {
	return it.malformed
}

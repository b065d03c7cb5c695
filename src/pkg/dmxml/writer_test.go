package dmxml

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	XMLName xml.Name `xml:"i"`
	Items   []item   `xml:"d"`
}

type item struct {
	P    string `xml:"p,attr"`
	Text string `xml:",chardata"`
}

func TestWriterProducesWellFormedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xml.part")
	w := NewWriter(path)
	require.NoError(t, w.Open())

	require.NoError(t, w.Write(Message{Offset: 1.5, Text: "第一条"}))
	require.NoError(t, w.Write(Message{Offset: 3.25, Text: `需要转义 <&>"'`, User: "42"}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var d doc
	require.NoError(t, xml.Unmarshal(data, &d))
	require.Len(t, d.Items, 2)
	assert.Equal(t, "第一条", d.Items[0].Text)
	assert.Equal(t, `需要转义 <&>"'`, d.Items[1].Text)
	assert.True(t, strings.HasPrefix(d.Items[1].P, "3.25,1,25,16777215,"))
}

func TestWriterDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xml.part")
	w := NewWriter(path)
	require.NoError(t, w.Open())
	require.NoError(t, w.Write(Message{Offset: 0.111, Text: "x"}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var d doc
	require.NoError(t, xml.Unmarshal(data, &d))
	fields := strings.Split(d.Items[0].P, ",")
	require.Len(t, fields, 8)
	assert.Equal(t, "0.11", fields[0])
	assert.Equal(t, "1", fields[1])        // mode
	assert.Equal(t, "25", fields[2])       // size
	assert.Equal(t, "16777215", fields[3]) // color
	assert.Equal(t, "0", fields[5])        // pool
	assert.Equal(t, "0", fields[6])        // user
}

func TestWriterTruncatedPrefixStillParseable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xml.part")
	w := NewWriter(path)
	require.NoError(t, w.Open())
	require.NoError(t, w.Write(Message{Offset: 1, Text: "a"}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// 截断到任意元素边界后补上根闭合标签，文档应仍可解析
	idx := strings.Index(string(data), "</d>\n") + len("</d>\n")
	truncated := append([]byte{}, data[:idx]...)
	truncated = append(truncated, "</i>\n"...)

	var d doc
	assert.NoError(t, xml.Unmarshal(truncated, &d))
}

func TestWriterWriteBeforeOpenFails(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "out.xml.part"))
	assert.Error(t, w.Write(Message{Text: "x"}))
}

func TestWriterCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xml.part")
	w := NewWriter(path)
	require.NoError(t, w.Open())
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}

func TestWriterCount(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "out.xml.part"))
	require.NoError(t, w.Open())
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Write(Message{Offset: float64(i), Text: "m"}))
	}
	assert.Equal(t, 5, w.Count())
	require.NoError(t, w.Close())
}

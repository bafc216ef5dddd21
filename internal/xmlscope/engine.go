// Package xmlscope 基于元素路径的流式 XML 属性查询与替换。
//
// 只改写命中元素的起始标签，其余字节（文本、注释、空白、无关元素、属性顺序）原样输出。
// 元素名与属性名按原始写法匹配（如 "android:label"），不做命名空间解析。
package xmlscope

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// RewriteFunc 决定命中元素的新属性值
// current/present 为当前属性值及是否存在；返回 ok=false 表示该元素保持原样
type RewriteFunc func(current string, present bool) (value string, ok bool)

// cursor 单次遍历内的路径匹配状态
// depths 记录每次前进时所在元素的嵌套深度，只有该元素结束时才回退
type cursor struct {
	path   []string
	index  int
	depths []int
}

// enter 处理深度为 depth 的元素开始，返回该元素是否命中路径末端
func (c *cursor) enter(name string, depth int) bool {
	if name != c.path[c.index] {
		return false
	}
	if c.index == len(c.path)-1 {
		return true
	}
	c.depths = append(c.depths, depth)
	c.index++
	return false
}

// leave 处理深度为 depth 的元素结束
func (c *cursor) leave(depth int) {
	if n := len(c.depths); n > 0 && c.depths[n-1] == depth {
		c.depths = c.depths[:n-1]
		c.index--
	}
}

// Find 查找路径命中元素上 key 属性的所有值（按文档顺序）
// 路径从未命中时返回空切片而不是错误
func Find(doc []byte, path []string, key string) ([]string, error) {
	values := []string{}
	err := walk(doc, path, func(start xml.StartElement, raw []byte, matched bool) error {
		if !matched {
			return nil
		}
		if v, ok := attrValue(start, key); ok {
			values = append(values, v)
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return values, nil
}

// Exchange 将路径命中元素上的 key 属性替换为 value（不存在则追加）
func Exchange(doc []byte, path []string, key, value string) ([]byte, error) {
	return Rewrite(doc, path, key, func(string, bool) (string, bool) {
		return value, true
	})
}

// Rewrite 按 fn 的结果改写命中元素的 key 属性
// 被改写的属性先从原属性列表中移除，再以新值追加到末尾
func Rewrite(doc []byte, path []string, key string, fn RewriteFunc) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(len(doc) + 64)

	err := walk(doc, path, func(start xml.StartElement, raw []byte, matched bool) error {
		if !matched {
			out.Write(raw)
			return nil
		}
		current, present := attrValue(start, key)
		value, ok := fn(current, present)
		if !ok {
			out.Write(raw)
			return nil
		}
		return writeStart(&out, start, key, value, bytes.HasSuffix(raw, []byte("/>")))
	}, func(raw []byte) {
		out.Write(raw)
	})
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// walk 单遍扫描文档
// onStart 处理每个起始标签，passthrough 接收其余所有 token 的原始字节
func walk(doc []byte, path []string, onStart func(xml.StartElement, []byte, bool) error, passthrough func([]byte)) error {
	if len(path) == 0 {
		return ErrEmptyPath
	}
	if passthrough == nil {
		passthrough = func([]byte) {}
	}

	dec := xml.NewDecoder(bytes.NewReader(doc))
	dec.Strict = true

	cur := cursor{path: path}
	var open []string
	var prev int64

	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &MalformedDocumentError{Offset: dec.InputOffset(), Err: err}
		}

		offset := dec.InputOffset()
		raw := doc[prev:offset]
		prev = offset

		switch t := tok.(type) {
		case xml.StartElement:
			name := rawName(t.Name)
			open = append(open, name)
			if err := onStart(t, raw, cur.enter(name, len(open))); err != nil {
				return err
			}
		case xml.EndElement:
			name := rawName(t.Name)
			if len(open) == 0 || open[len(open)-1] != name {
				return &MalformedDocumentError{Offset: offset, Err: fmt.Errorf("unexpected end element </%s>", name)}
			}
			cur.leave(len(open))
			open = open[:len(open)-1]
			passthrough(raw)
		default:
			passthrough(raw)
		}
	}

	if len(open) > 0 {
		return &MalformedDocumentError{
			Offset: int64(len(doc)),
			Err:    fmt.Errorf("unexpected EOF: element <%s> not closed", open[len(open)-1]),
		}
	}
	return nil
}

func rawName(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

func attrValue(start xml.StartElement, key string) (string, bool) {
	for _, attr := range start.Attr {
		if rawName(attr.Name) == key {
			return attr.Value, true
		}
	}
	return "", false
}

func writeStart(w *bytes.Buffer, start xml.StartElement, key, value string, selfClosing bool) error {
	w.WriteByte('<')
	w.WriteString(rawName(start.Name))
	for _, attr := range start.Attr {
		name := rawName(attr.Name)
		if name == key {
			continue
		}
		if err := writeAttr(w, name, attr.Value); err != nil {
			return err
		}
	}
	if err := writeAttr(w, key, value); err != nil {
		return err
	}
	if selfClosing {
		w.WriteString("/>")
	} else {
		w.WriteByte('>')
	}
	return nil
}

func writeAttr(w *bytes.Buffer, name, value string) error {
	w.WriteByte(' ')
	w.WriteString(name)
	w.WriteString(`="`)
	if err := xml.EscapeText(w, []byte(value)); err != nil {
		return err
	}
	w.WriteByte('"')
	return nil
}

// Package framer 以尽力而为的方式判断请求是否已经到齐。
// 它只识别请求行标记与 content-length 头，不做任何 HTTP 校验。
package framer

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// Marker 出现在文本中时才开始查找长度头
	Marker       = "HTTP"
	headerPrefix = "content-length: "
)

var ErrBadLength = errors.New("framer: malformed content-length")

// ContentLength 扫描 data 中第一条 content-length 头（大小写不敏感）。
// data 不是合法 UTF-8 时视为本次无法解析，返回 found=false。
// 头存在但值不是十进制数字时返回 ErrBadLength。
func ContentLength(data []byte) (n int, found bool, err error) {
	if !utf8.Valid(data) {
		return 0, false, nil
	}
	text := string(data)
	if !strings.Contains(text, Marker) {
		return 0, false, nil
	}
	for _, line := range strings.Split(text, "\n") {
		// 上一次整块追加的零字节填充会落在下一次读到的首行之前
		line = strings.TrimLeft(line, "\x00")
		line = strings.ToLower(strings.TrimSuffix(line, "\r"))
		v, ok := strings.CutPrefix(line, headerPrefix)
		if !ok {
			continue
		}
		// 最后一行同样可能带有填充
		v = strings.TrimSuffix(strings.TrimRight(v, "\x00"), "\r")
		u, perr := strconv.ParseUint(v, 10, strconv.IntSize-1)
		if perr != nil {
			return 0, true, errors.Join(ErrBadLength, perr)
		}
		return int(u), true, nil
	}
	return 0, false, nil
}

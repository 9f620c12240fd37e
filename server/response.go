package server

// Response 是每个连接收到的唯一应答，逐字节固定。
var Response = []byte("HTTP/1.0 200 OK\n" +
	"content-type: text/html\n" +
	"content-length: 5\n" +
	"\n" +
	"Hello")

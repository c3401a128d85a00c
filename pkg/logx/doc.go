// Package logx is newsbeat's structured logger: a thin layer over zerolog
// whose loggers follow runtime level and sink changes made through
// Service.Apply. Console output is human-readable unless JSON is set; the
// file sink is always JSON lines.
package logx

//go:build !unix

package core

func maxRSSBytes() int64 { return 0 }

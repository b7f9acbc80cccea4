package view

import (
	"fmt"
	"io"
)

// TextRenderer は表示状態をテキストで出力する。
type TextRenderer struct {
	W io.Writer
}

// Render は状態を1ブロックとして書き出す。エラーがあれば最後に表示する。
func (r TextRenderer) Render(s State) error {
	var err error
	write := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(r.W, format, args...)
		}
	}

	switch s.Phase {
	case PhaseLoading:
		write("Loading...\n")
	case PhaseSignedIn:
		write("Welcome, %s!\n", s.User.Name)
		write("  %s\n", s.User.Email)
		if s.User.HasPhoto() {
			write("  %s\n", s.User.Photo)
		}
	default:
		write("Signed out\n")
	}

	if s.Error != "" {
		write("Error: %s\n", s.Error)
	}
	return err
}

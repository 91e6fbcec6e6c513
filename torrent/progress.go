package torrent

import (
	"github.com/schollz/progressbar/v3"
)

// Progress renders a download's piece-completion events to a terminal
// progress bar. It registers its own mailbox with the Download exactly
// like a peer connection does, making it just another broadcast
// subscriber rather than a special case threaded through Download's
// internals.
type Progress struct {
	mailbox *Mailbox
	bar     *progressbar.ProgressBar
}

// NewProgress registers a mailbox with download and returns a Progress
// ready to Run.
func NewProgress(download *Download, name string) *Progress {
	mailbox := NewMailbox()
	download.RegisterPeer(mailbox)

	bar := progressbar.NewOptions(download.NumPieces(),
		progressbar.OptionSetDescription(name),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
	)

	have := download.HavePieces()
	completed := 0
	for _, v := range have {
		if v {
			completed++
		}
	}
	bar.Set(completed)

	return &Progress{mailbox: mailbox, bar: bar}
}

// Run drains PieceComplete/DownloadComplete events until the transfer
// finishes. It is meant to run on its own goroutine.
func (p *Progress) Run() {
	for event := range p.mailbox.Events() {
		switch event.Kind {
		case EventPieceComplete:
			p.bar.Add(1)
		case EventDownloadComplete:
			p.bar.Finish()
			return
		}
	}
}

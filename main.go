package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/nullbound/gotorrent/torrent"
)

type options struct {
	Port uint16 `short:"p" long:"port" default:"6881" description:"TCP port to listen on for incoming peer connections"`

	Positional struct {
		TorrentPath string `positional-arg-name:"torrent-file" required:"true"`
	} `positional-args:"yes"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "gotorrent: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	meta, err := torrent.Parse(opts.Positional.TorrentPath)
	if err != nil {
		return err
	}

	ourPeerID := torrent.GeneratePeerID()

	download, err := torrent.NewDownload(ourPeerID, meta, "downloads")
	if err != nil {
		return err
	}
	defer download.Close()

	listener, err := torrent.Listen(opts.Port, download)
	if err != nil {
		return err
	}
	defer listener.Close()
	go listener.Serve()

	progress := torrent.NewProgress(download, meta.Info.Name)
	go progress.Run()

	done := torrent.NewMailbox()
	download.RegisterPeer(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenAddr := listener.Addr().String()
	dial := func(p torrent.Peer) {
		go func() {
			if err := torrent.DialPeer(ctx, download, p, listenAddr); err != nil {
				fmt.Fprintf(os.Stderr, "gotorrent: peer %s: %v\n", p, err)
			}
		}()
	}
	go torrent.RefreshPeers(ctx, meta, ourPeerID, opts.Port, uint64(meta.Info.Length), dial)

	for event := range done.Events() {
		if event.Kind == torrent.EventDownloadComplete {
			fmt.Println("download complete")
			return nil
		}
	}
	return nil
}

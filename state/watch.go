package state

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitledger/db"
)

// Watch sends the new root tree canpath each time the stream label
// is relinked, until ctx is done.  Roots that come and go while the
// receiver is busy may be skipped.
func Watch(ctx context.Context, d *db.Db, label string) (roots <-chan string, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	linkabs := filepath.Join(d.Dir, "stream", label)
	err = watcher.Add(filepath.Dir(linkabs))
	if err != nil {
		watcher.Close()
		return
	}

	ch := make(chan string, 1)
	go func() {
		defer close(ch)
		defer watcher.Close()
		last := ""
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != linkabs || event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				stream, err := d.OpenStream(label)
				if err != nil {
					log.Debugf("watch %s: %v", label, err)
					continue
				}
				root := stream.RootNode.Path.Canon
				if root == last {
					continue
				}
				last = root
				select {
				case ch <- root:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("watch %s: %v", label, err)
			}
		}
	}()
	return ch, nil
}

// Package pipeline runs the per-image delivery state machine: authorize,
// resume from the persisted record, download from Telegram, upload to Imgur,
// announce on IRC, acknowledge to the sender. Every stage checks whether its
// work is already done so an unfinished record can be resubmitted after a
// crash or restart without repeating completed stages.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codetalk/imgrelay/config"
	"github.com/codetalk/imgrelay/db"
	"github.com/codetalk/imgrelay/telemetry"
	"github.com/codetalk/imgrelay/users"
)

// Transport is the chat-side surface the pipeline needs; implemented by
// telegram.Bot.
type Transport interface {
	GetFilePath(ctx context.Context, fileID string) (string, error)
	DownloadFile(ctx context.Context, remotePath, localPath string) error
	SendMessage(chatID int64, text string, replyTo int64)
	SendChatAction(chatID int64)
}

// Uploader pushes a local file to the image host; implemented by imgur.Client.
type Uploader interface {
	Upload(ctx context.Context, path, title, name, album string) (string, error)
}

// Announcer posts one line to the IRC channel; implemented by irc.Client.
type Announcer interface {
	Msg(text string)
}

// Store persists image records for one unit of work.
type Store interface {
	Find(ctx context.Context, fileID string) (*db.ImageRecord, error)
	Unfinished(ctx context.Context) ([]db.ImageRecord, error)
	Insert(ctx context.Context, rec db.ImageRecord) error
	Update(ctx context.Context, rec db.ImageRecord) error
	Close() error
}

// OpenStore yields a fresh store handle. Each pipeline unit opens and closes
// its own so handles are never shared across concurrent units.
type OpenStore func() (Store, error)

// Pipeline holds the collaborators shared by all units of work.
type Pipeline struct {
	Cfg       *config.Config
	Users     *users.Store
	Transport Transport
	Uploader  Uploader
	Announcer Announcer
	OpenStore OpenStore
}

// Spawn runs one unit of work on its own goroutine and returns a channel that
// closes when it finishes (backlog replay joins on it).
func (p *Pipeline) Spawn(ctx context.Context, rec db.ImageRecord) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Process(ctx, rec)
	}()
	return done
}

// Process executes the state machine for one image. It never panics outward:
// unexpected failures are reported to the requester and logged, and the
// persistence step runs regardless so progress is not lost.
func (p *Pipeline) Process(ctx context.Context, rec db.ImageRecord) {
	logger := slog.Default().With(slog.String("file_id", rec.FileID), slog.String("component", "pipeline"))
	reply := func(text string) { p.Transport.SendMessage(rec.ChatID, text, rec.MessageID) }

	// Step 1: authorization. Blacklisted senders are dropped silently,
	// unknown senders get exactly one pointer at /auth.
	banned, err := p.Users.IsBanned(rec.ChatID)
	if err != nil {
		logger.Error("blacklist lookup failed", slog.Any("err", err))
		return
	}
	if banned {
		logger.Info("discarding image from blacklisted user", slog.Int64("chat_id", rec.ChatID))
		telemetry.ImagesRejected.Inc()
		return
	}
	name, known, err := p.Users.Resolve(rec.ChatID)
	if err != nil {
		logger.Error("name lookup failed", slog.Any("err", err))
		return
	}
	if !known {
		reply("You need to authenticate via /auth before sending pictures")
		logger.Info("discarding image from unauthorized user", slog.Int64("chat_id", rec.ChatID))
		telemetry.ImagesRejected.Inc()
		return
	}
	rec.Username = name

	p.Transport.SendChatAction(rec.ChatID)

	store, err := p.OpenStore()
	if err != nil {
		logger.Error("failed to open image store", slog.Any("err", err))
		store = nil
	}

	// Step 2: resume check. Progress persisted under the same file id
	// supersedes the fresh event.
	var dbRec *db.ImageRecord
	if store != nil {
		found, err := store.Find(ctx, rec.FileID)
		if err != nil {
			logger.Warn("resume lookup failed", slog.Any("err", err))
		} else if found != nil {
			dbRec = found
			rec = *found
		}
	}

	// Step 7 runs unconditionally: keep whatever progress this run made.
	defer func() {
		if store == nil {
			return
		}
		pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if dbRec == nil {
			if err := store.Insert(pctx, rec); err != nil {
				logger.Error("failed to insert image record", slog.Any("err", err))
			}
		} else if !rec.Equal(*dbRec) {
			if err := store.Update(pctx, rec); err != nil {
				logger.Error("failed to update image record", slog.Any("err", err))
			}
		}
		if err := store.Close(); err != nil {
			logger.Warn("failed to close image store", slog.Any("err", err))
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			reply(fmt.Sprintf("Oops, there was an error. Contact the operator and run in circles.\nError: %v", r))
			logger.Error("panic in pipeline unit", slog.Any("panic", r))
		}
	}()

	start := time.Now()
	logger.Debug("running pipeline unit", slog.String("username", rec.Username), slog.Bool("resumed", dbRec != nil))

	// Step 3: download, unless a previous run already has the file on disk.
	if rec.LocalPath == "" || !fileExists(rec.LocalPath) {
		if !p.download(ctx, &rec, reply, logger) {
			return
		}
	} else {
		logger.Warn("file exists already, skipping download", slog.String("local_path", rec.LocalPath))
	}

	// Step 4: upload, unless already hosted.
	if rec.HostedURL == "" {
		if !p.upload(ctx, &rec, reply, logger) {
			return
		}
	} else {
		logger.Warn("file already uploaded", slog.String("hosted_url", rec.HostedURL))
	}

	// Step 5: announce. Fire and forget from the pipeline's perspective.
	p.Announcer.Msg(announcement(rec))
	telemetry.Announcements.Inc()

	// Step 6: acknowledge and clean up.
	reply("Image delivered. Uploaded to: " + rec.HostedURL)
	rec.Finished = true
	telemetry.ImagesFinished.Inc()
	telemetry.PipelineDuration.Observe(time.Since(start).Seconds())

	if p.Cfg.Storage.DeleteImages && rec.LocalPath != "" {
		if err := os.Remove(rec.LocalPath); err != nil {
			logger.Warn("failed to delete local file", slog.String("local_path", rec.LocalPath), slog.Any("err", err))
		} else {
			rec.LocalPath = ""
		}
	}
	logger.Info("image delivered", slog.String("hosted_url", rec.HostedURL), slog.Duration("total", time.Since(start)))
}

// download fetches file metadata and streams the file to the deterministic
// local path. Failures are reported to the requester; the record stays
// unfinished and eligible for retry.
func (p *Pipeline) download(ctx context.Context, rec *db.ImageRecord, reply func(string), logger *slog.Logger) bool {
	remotePath, err := p.Transport.GetFilePath(ctx, rec.FileID)
	if err != nil {
		msg := "Error getting file info: " + err.Error()
		logger.Error(msg)
		reply(msg)
		telemetry.DownloadsFailed.Inc()
		return false
	}

	directory := os.Expand(p.Cfg.Storage.Directory, func(key string) string {
		if key == "temp" {
			return os.TempDir()
		}
		return ""
	})
	directory, err = filepath.Abs(directory)
	if err != nil {
		logger.Error("bad storage directory", slog.Any("err", err))
		reply("Error downloading file: " + err.Error())
		return false
	}
	basename := strings.ReplaceAll(remotePath, "/", "_")
	rec.RemotePath = remotePath
	rec.LocalPath = filepath.Join(directory, basename)

	if err := os.MkdirAll(directory, 0o755); err != nil {
		logger.Error("failed to create storage directory", slog.Any("err", err))
		reply("Error downloading file: " + err.Error())
		telemetry.DownloadsFailed.Inc()
		return false
	}
	var dlErr error
	dur := telemetry.TimeFunc(telemetry.DownloadDuration, func() {
		dlErr = p.Transport.DownloadFile(ctx, rec.RemotePath, rec.LocalPath)
	})
	if dlErr != nil {
		msg := "Error downloading file: " + dlErr.Error()
		logger.Error(msg)
		reply(msg)
		telemetry.DownloadsFailed.Inc()
		return false
	}
	telemetry.DownloadsSucceeded.Inc()
	logger.Info("downloaded file", slog.String("local_path", rec.LocalPath), slog.Duration("took", dur))
	return true
}

// upload pushes the local file to the image host. The upload title carries
// the original message timestamp, sender name and caption.
func (p *Pipeline) upload(ctx context.Context, rec *db.ImageRecord, reply func(string), logger *slog.Logger) bool {
	timestamp := rec.ReceivedAt.Format(p.Cfg.Imgur.TimestampFormat)
	name := strings.ReplaceAll(timestamp+"_"+rec.Username, ":", "-")
	caption := rec.Caption
	if caption == "" {
		caption = "No caption"
	}
	title := fmt.Sprintf("%s (by %s; %s)", caption, rec.Username, timestamp)

	var (
		url   string
		upErr error
	)
	telemetry.TimeFunc(telemetry.UploadDuration, func() {
		url, upErr = p.Uploader.Upload(ctx, rec.LocalPath, title, name, p.Cfg.Imgur.Album)
	})
	if upErr != nil {
		msg := "Error uploading to imgur: " + upErr.Error()
		logger.Error(msg)
		reply(msg)
		telemetry.UploadsFailed.Inc()
		return false
	}
	rec.HostedURL = url
	telemetry.UploadsSucceeded.Inc()
	return true
}

// announcement renders the IRC line: "<name> url" plus the caption when set.
func announcement(rec db.ImageRecord) string {
	msg := fmt.Sprintf("<%s> %s", rec.Username, rec.HostedURL)
	if rec.Caption != "" {
		msg += " " + rec.Caption
	}
	return msg
}

// Replay resubmits the unfinished backlog strictly sequentially, joining each
// unit before starting the next, so the image host is not hammered and the
// IRC announcement order stays close to historical order.
func (p *Pipeline) Replay(ctx context.Context) error {
	store, err := p.OpenStore()
	if err != nil {
		return fmt.Errorf("open store for backlog scan: %w", err)
	}
	backlog, err := store.Unfinished(ctx)
	closeErr := store.Close()
	if err != nil {
		return fmt.Errorf("scan backlog: %w", err)
	}
	if closeErr != nil {
		slog.Warn("failed to close backlog store", slog.Any("err", closeErr))
	}
	telemetry.SetBacklog(len(backlog))
	if len(backlog) == 0 {
		return nil
	}
	slog.Info("going through backlog", slog.Int("size", len(backlog)))
	for _, rec := range backlog {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.Spawn(ctx, rec):
		}
	}
	slog.Info("finished backlog")
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

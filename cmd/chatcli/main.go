// chatcli is a terminal client for poking a conversation end to end:
// it drives a session against a chat backend (the bundled chatmockd by
// default) and renders snapshots as they change.
package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/parley-im/chatcore/pkg/api"
	"github.com/parley-im/chatcore/pkg/capture"
	"github.com/parley-im/chatcore/pkg/models"
	"github.com/parley-im/chatcore/pkg/session"
	"github.com/parley-im/chatcore/pkg/transfer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
}

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("settings")
	viper.SetConfigType("toml")
	viper.SetDefault("client.server", "http://127.0.0.1:8444")
	viper.SetDefault("client.conversation", "lobby")
	viper.SetDefault("client.kind", "group")
	_ = viper.ReadInConfig()

	serverURL := viper.GetString("client.server")
	userID := viper.GetString("client.user")
	if userID == "" && len(os.Args) > 1 {
		userID = os.Args[1]
	}
	if userID == "" {
		fmt.Println("usage: chatcli <user id>")
		os.Exit(2)
	}

	token, err := fetchToken(serverURL, userID)
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to obtain a credential from the server.")
	}

	sess, err := session.Open(session.Config{
		API:            api.NewClient(api.Config{BaseURL: serverURL, Credential: token, Logger: log.Logger}),
		Uploader:       transfer.NewClient(transfer.Config{BaseURL: serverURL, Credential: token, Logger: log.Logger}),
		Device:         toneDevice(),
		SelfID:         userID,
		ConversationID: viper.GetString("client.conversation"),
		Kind:           models.ConversationKind(viper.GetString("client.kind")),
		PeerID:         viper.GetString("client.peer"),
		Logger:         log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to open the conversation.")
	}
	defer sess.Close()

	go renderLoop(sess, userID)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sess.Typing(context.Background())
		if line == "/quit" {
			return
		}
		if err := handle(sess, line); err != nil {
			color.Red("! %v", err)
		}
	}
}

func handle(sess *session.Session, line string) error {
	ctx := context.Background()
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/reply":
		id, text, _ := strings.Cut(rest, " ")
		_, err := sess.SendText(ctx, text, id)
		return err
	case "/react":
		id, emoji, _ := strings.Cut(rest, " ")
		return sess.React(ctx, id, emoji)
	case "/edit":
		id, text, _ := strings.Cut(rest, " ")
		return sess.Edit(ctx, id, text)
	case "/del":
		return sess.Delete(ctx, rest)
	case "/retry":
		return sess.Retry(ctx, rest)
	case "/search":
		found, err := sess.Search(ctx, rest)
		if err != nil {
			return err
		}
		for _, msg := range found {
			fmt.Printf("  %s: %s\n", msg.SenderID, msg.Content)
		}
		return nil
	case "/voice":
		seconds, err := strconv.Atoi(rest)
		if err != nil || seconds <= 0 {
			seconds = 3
		}
		return sendVoice(ctx, sess, seconds)
	default:
		_, err := sess.SendText(ctx, line, "")
		return err
	}
}

// sendVoice captures from the demo tone device for roughly the asked
// duration and ships the clip.
func sendVoice(ctx context.Context, sess *session.Session, seconds int) error {
	rec := sess.Recorder()
	if err := sess.StartRecording(ctx); err != nil {
		return err
	}
	for rec.Elapsed() < float64(seconds) && rec.State() == capture.StateRecording {
		time.Sleep(50 * time.Millisecond)
	}
	msg, err := sess.FinishRecording(ctx)
	if err != nil {
		return err
	}
	color.Yellow("voice message %s (%.1fs) sent", msg.LocalID, msg.Voice.Duration)
	return nil
}

func renderLoop(sess *session.Session, selfID string) {
	sender := color.New(color.FgCyan, color.Bold)
	own := color.New(color.FgGreen, color.Bold)
	faint := color.New(color.Faint)

	for range sess.Events() {
		snap := sess.Snapshot()
		fmt.Print("\033[2J\033[H")
		for _, msg := range snap.Messages {
			name := sender
			if msg.SenderID == selfID {
				name = own
			}
			body := msg.Content
			if msg.IsDeleted {
				body = faint.Sprint("message deleted")
			} else if msg.Kind == models.MessageVoice && msg.Voice != nil {
				body = fmt.Sprintf("[voice %.1fs]", msg.Voice.Duration)
			}
			if preview, ok := sess.ReplyPreview(msg.ID); ok {
				if preview.Available {
					faint.Printf("  ┌ %s: %s\n", preview.SenderID, preview.Content)
				} else {
					faint.Println("  ┌ message no longer available")
				}
			}
			fmt.Printf("%s %s %s%s\n", name.Sprint(msg.SenderID), body, statusMark(msg), reactionLine(sess, msg))
		}
		if snap.TypingSummary != "" {
			faint.Println(snap.TypingSummary)
		}
		if snap.PeerStatus != nil && !snap.PeerStatus.IsOnline {
			faint.Printf("last seen %s\n", snap.PeerStatus.LastSeen.Format("15:04"))
		}
		// The conversation is on screen, so everything rendered counts
		// as read.
		sess.MarkViewed()
	}
}

func statusMark(msg models.Message) string {
	switch msg.Status {
	case models.StatusPending:
		return "…"
	case models.StatusSent:
		return "✓"
	case models.StatusDelivered:
		return "✓✓"
	case models.StatusRead:
		return color.BlueString("✓✓")
	case models.StatusFailed:
		return color.RedString("✗ (/retry)")
	}
	return ""
}

func reactionLine(sess *session.Session, msg models.Message) string {
	stats := sess.TopReactions(msg.ID, 3)
	if len(stats) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, stat := range stats {
		fmt.Fprintf(&sb, " %s%d", stat.Emoji, stat.Count)
	}
	return sb.String()
}

// fetchToken asks the development backend for a signed credential.
func fetchToken(serverURL, userID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"user_id": userID, "display_name": userID})
	res, err := http.Post(serverURL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed: %s", res.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// toneDevice yields a soft sine input so voice capture works without a
// hardware microphone.
func toneDevice() capture.Device {
	const rate = 8000
	samples := make([]float64, rate*30)
	for i := range samples {
		samples[i] = 0.4 * math.Sin(2*math.Pi*440*float64(i)/rate)
	}
	device := capture.NewBufferDevice(samples, rate)
	device.SetRealtime(true)
	return device
}

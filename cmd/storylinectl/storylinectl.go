package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"maze.io/x/duration"

	"github.com/ts4z/storyline/config"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/session"
	"github.com/ts4z/storyline/storyapi"
	"github.com/ts4z/storyline/webpush"
)

var (
	daemonURL string
	clock     clockwork.Clock = clockwork.NewRealClock()

	since time.Time

	userName  string
	userEmail string

	page     int
	pageSize int

	storyPhoto       string
	storyDescription string
	storyLat         float64
	storyLon         float64

	assumeYes bool

	testTitle string
	testBody  string
	testURL   string
)

// parseSince accepts an RFC3339 time, or a duration meaning that long ago.
func parseSince(now time.Time, s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := duration.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a time nor a duration", s)
	}
	return now.Add(-time.Duration(d)), nil
}

func openSession() (*session.Store, error) {
	return session.Open(config.SessionPath(), config.SessionHashKey(), config.SessionBlockKey())
}

func newAPIClient() (*storyapi.Client, *session.Store, error) {
	sess, err := openSession()
	if err != nil {
		return nil, nil, fmt.Errorf("opening session: %w", err)
	}
	api, err := storyapi.New(config.APIBaseURL(), nil, sess)
	if err != nil {
		return nil, nil, err
	}
	return api, sess, nil
}

func readPassword() (string, error) {
	fmt.Print("Enter password: ")
	pwBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	pw := string(pwBytes)
	if pw == "" {
		return "", fmt.Errorf("password is required")
	}
	return pw, nil
}

func formatLocation(r *model.StoryRecord) string {
	if !r.HasLocation() {
		return "-"
	}
	return fmt.Sprintf("%.5f,%.5f", *r.Lat, *r.Lon)
}

func listSaved(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	var query url.Values
	if !since.IsZero() {
		query = url.Values{"since": {since.Format(time.RFC3339)}}
	}
	var records []*model.StoryRecord
	if err := newDaemon(daemonURL).do(ctx, http.MethodGet, "/_agent/saved", query, nil, &records); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "id\tname\tsaved\tlocation\n")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.SavedAt.Local().Format(time.RFC3339), formatLocation(r))
	}
	w.Flush()
	return nil
}

func countSaved(cmd *cobra.Command, args []string) error {
	var out struct {
		Count int `json:"count"`
	}
	if err := newDaemon(daemonURL).do(context.Background(), http.MethodGet, "/_agent/saved/count", nil, nil, &out); err != nil {
		return err
	}
	fmt.Println(out.Count)
	return nil
}

func showSaved(cmd *cobra.Command, args []string) error {
	var r model.StoryRecord
	if err := newDaemon(daemonURL).do(context.Background(), http.MethodGet, "/_agent/saved/"+url.PathEscape(args[0]), nil, nil, &r); err != nil {
		return err
	}
	fmt.Printf("%s by %s\n", r.ID, r.Name)
	fmt.Printf("  Created:  %v\n", r.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("  Saved:    %v\n", r.SavedAt.Local().Format(time.RFC3339))
	fmt.Printf("  Photo:    %s\n", r.PhotoURL)
	fmt.Printf("  Location: %s\n\n", formatLocation(&r))
	fmt.Println(r.Description)
	return nil
}

// saveStory fetches a story from the API and keeps it for offline reading.
func saveStory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	api, _, err := newAPIClient()
	if err != nil {
		return err
	}
	story, err := api.Story(ctx, args[0])
	if err != nil {
		return fmt.Errorf("fetching story %q: %w", args[0], err)
	}
	var saved model.StoryRecord
	rec := story.Record(clock.Now())
	if err := newDaemon(daemonURL).do(ctx, http.MethodPut, "/_agent/saved/"+url.PathEscape(rec.ID), nil, rec, &saved); err != nil {
		return err
	}
	fmt.Printf("Saved %q by %s.\n", saved.ID, saved.Name)
	return nil
}

func deleteSaved(cmd *cobra.Command, args []string) error {
	return newDaemon(daemonURL).do(context.Background(), http.MethodDelete, "/_agent/saved/"+url.PathEscape(args[0]), nil, nil, nil)
}

func listStories(cmd *cobra.Command, args []string) error {
	api, _, err := newAPIClient()
	if err != nil {
		return err
	}
	stories, err := api.Stories(context.Background(), page, pageSize)
	if err != nil {
		return fmt.Errorf("listing stories: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "id\tname\tcreated\n")
	for _, s := range stories {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Name, s.CreatedAt)
	}
	w.Flush()
	return nil
}

func addStory(cmd *cobra.Command, args []string) error {
	if storyDescription == "" || storyPhoto == "" {
		return fmt.Errorf("description and photo are required")
	}
	api, _, err := newAPIClient()
	if err != nil {
		return err
	}
	f, err := os.Open(storyPhoto)
	if err != nil {
		return err
	}
	defer f.Close()

	ns := &storyapi.NewStory{
		Description: storyDescription,
		PhotoName:   filepath.Base(storyPhoto),
		Photo:       f,
	}
	if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
		ns.Lat, ns.Lon = &storyLat, &storyLon
	}
	if err := api.AddStory(context.Background(), ns); err != nil {
		return fmt.Errorf("adding story: %w", err)
	}
	fmt.Println("Story added.")
	return nil
}

type pushStatus struct {
	model.SubscriptionState
	Permission model.Permission `json:"permission"`
}

func fetchPushStatus(ctx context.Context) (*pushStatus, error) {
	var st pushStatus
	if err := newDaemon(daemonURL).do(ctx, http.MethodGet, "/_agent/push", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func showPushStatus(cmd *cobra.Command, args []string) error {
	st, err := fetchPushStatus(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Status:     %v\n", st.Status)
	fmt.Printf("Permission: %v\n", st.Permission)
	if st.Subscription != nil {
		fmt.Printf("Endpoint:   %s\n", st.Subscription.Endpoint)
	}
	return nil
}

// askPermission plays the part of the browser's permission prompt.  Without
// a terminal there is nobody to ask, so the saved decision stands.
func askPermission(in io.Reader) model.Permission {
	if assumeYes {
		return model.PermissionGranted
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return ""
	}
	fmt.Print("Allow notifications? [y/N] ")
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return model.PermissionGranted
	default:
		return model.PermissionDenied
	}
}

func subscribePush(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	st, err := fetchPushStatus(ctx)
	if err != nil {
		return err
	}
	var req struct {
		Permission model.Permission `json:"permission,omitempty"`
	}
	if st.Status == model.StatusSupportedUnsubscribed && st.Permission == model.PermissionDefault {
		req.Permission = askPermission(os.Stdin)
	}

	var out model.SubscriptionState
	if err := newDaemon(daemonURL).do(ctx, http.MethodPost, "/_agent/push/subscribe", nil, &req, &out); err != nil {
		return err
	}
	fmt.Printf("Subscribed: %s\n", out.Subscription.Endpoint)
	return nil
}

func unsubscribePush(cmd *cobra.Command, args []string) error {
	var out struct {
		Unsubscribed bool `json:"unsubscribed"`
	}
	if err := newDaemon(daemonURL).do(context.Background(), http.MethodPost, "/_agent/push/unsubscribe", nil, nil, &out); err != nil {
		return err
	}
	if !out.Unsubscribed {
		fmt.Println("Not subscribed.")
		return nil
	}
	fmt.Println("Unsubscribed.")
	return nil
}

// sendTestPush does what the story server does: encrypt a payload to the
// subscription and hand it to the push endpoint.
func sendTestPush(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	st, err := fetchPushStatus(ctx)
	if err != nil {
		return err
	}
	if st.Status != model.StatusSubscribed || st.Subscription == nil {
		return fmt.Errorf("not subscribed")
	}
	sub := st.Subscription

	payload := map[string]any{
		"title":   testTitle,
		"options": map[string]string{"body": testBody},
		"url":     testURL,
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	pub, err := webpush.ParsePublicKey(sub.Keys.P256dh)
	if err != nil {
		return fmt.Errorf("subscription key: %w", err)
	}
	auth, err := webpush.Decode(sub.Keys.Auth)
	if err != nil {
		return fmt.Errorf("subscription auth: %w", err)
	}
	msg, err := webpush.Encrypt(pub, auth, plain)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(msg))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", "60")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to push endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("push endpoint answered %s", resp.Status)
	}
	fmt.Println("Sent.")
	return nil
}

func listNotifications(cmd *cobra.Command, args []string) error {
	var notes []model.Notification
	if err := newDaemon(daemonURL).do(context.Background(), http.MethodGet, "/_agent/notifications", nil, nil, &notes); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "tag\ttitle\tbody\turl\n")
	for _, n := range notes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.Tag, n.Title, n.Body, n.TargetURL())
	}
	w.Flush()
	return nil
}

func clickNotification(cmd *cobra.Command, args []string) error {
	return newDaemon(daemonURL).do(context.Background(), http.MethodPost, "/_agent/notifications/"+url.PathEscape(args[0])+"/click", nil, nil, nil)
}

func closeNotification(cmd *cobra.Command, args []string) error {
	return newDaemon(daemonURL).do(context.Background(), http.MethodPost, "/_agent/notifications/"+url.PathEscape(args[0])+"/close", nil, nil, nil)
}

func listGenerations(cmd *cobra.Command, args []string) error {
	var out struct {
		Generation  string   `json:"generation"`
		Phase       string   `json:"phase"`
		Generations []string `json:"generations"`
	}
	if err := newDaemon(daemonURL).do(context.Background(), http.MethodGet, "/_agent/cache", nil, nil, &out); err != nil {
		return err
	}
	fmt.Printf("Current: %s (%s)\n\n", out.Generation, out.Phase)
	for _, g := range out.Generations {
		marker := " "
		if g == out.Generation {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, g)
	}
	return nil
}

func register(cmd *cobra.Command, args []string) error {
	if userName == "" || userEmail == "" {
		return fmt.Errorf("name and email are required")
	}
	pw, err := readPassword()
	if err != nil {
		return err
	}
	api, _, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := api.Register(context.Background(), userName, userEmail, pw); err != nil {
		return fmt.Errorf("registering %q: %w", userEmail, err)
	}
	fmt.Printf("User %q registered; now log in.\n", userEmail)
	return nil
}

func login(cmd *cobra.Command, args []string) error {
	if userEmail == "" {
		return fmt.Errorf("email is required")
	}
	pw, err := readPassword()
	if err != nil {
		return err
	}
	api, sess, err := newAPIClient()
	if err != nil {
		return err
	}
	s, err := api.Login(context.Background(), userEmail, pw)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	if err := sess.Save(s); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	fmt.Printf("Logged in as %s.\n", s.Name)
	return nil
}

func logout(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	return sess.Clear()
}

// generateSessionKeys prints keys for session_hash_key and
// session_block_key, for when the generated key file won't do (for
// example, several hosts sharing one data directory).
func generateSessionKeys(cmd *cobra.Command, args []string) error {
	hashKey := securecookie.GenerateRandomKey(64)
	blockKey := securecookie.GenerateRandomKey(32)
	if hashKey == nil || blockKey == nil {
		return fmt.Errorf("can't generate random keys")
	}
	fmt.Printf("session_hash_key: %s\n", base64.StdEncoding.EncodeToString(hashKey))
	fmt.Printf("session_block_key: %s\n", base64.StdEncoding.EncodeToString(blockKey))
	return nil
}

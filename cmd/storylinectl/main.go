package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ts4z/storyline/config"
)

func main() {
	config.Init()

	rootCmd := &cobra.Command{
		Short: "Storyline offline agent control tool",
		Use:   "storylinectl",
	}
	rootCmd.PersistentFlags().StringVar(&daemonURL, "daemon", config.DaemonURL(), "storylined base URL")

	savedCmd := &cobra.Command{
		Short: "Manage stories saved for offline reading",
		Use:   "saved",
	}

	listSavedCmd := &cobra.Command{
		Use:   "list",
		Short: "List saved stories",
		RunE:  listSaved,
	}
	listSavedCmd.Flags().Func("since", "Only stories saved after this time (RFC3339, or a duration like 3d)", func(s string) error {
		t, err := parseSince(clock.Now(), s)
		if err != nil {
			return err
		}
		since = t
		return nil
	})

	countSavedCmd := &cobra.Command{
		Use:   "count",
		Short: "Count saved stories",
		RunE:  countSaved,
	}

	showSavedCmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a saved story",
		Args:  cobra.ExactArgs(1),
		RunE:  showSaved,
	}

	saveCmd := &cobra.Command{
		Use:   "save [id]",
		Short: "Fetch a story from the API and save it",
		Args:  cobra.ExactArgs(1),
		RunE:  saveStory,
	}

	deleteSavedCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a saved story",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteSaved,
	}

	savedCmd.AddCommand(listSavedCmd, countSavedCmd, showSavedCmd, saveCmd, deleteSavedCmd)
	rootCmd.AddCommand(savedCmd)

	storiesCmd := &cobra.Command{
		Short: "Read and post stories on the story API",
		Use:   "stories",
	}

	listStoriesCmd := &cobra.Command{
		Use:   "list",
		Short: "List one page of stories",
		RunE:  listStories,
	}
	listStoriesCmd.Flags().IntVar(&page, "page", 1, "Page number")
	listStoriesCmd.Flags().IntVar(&pageSize, "size", 10, "Stories per page")

	addStoryCmd := &cobra.Command{
		Use:   "add",
		Short: "Post a new story",
		RunE:  addStory,
	}
	addStoryCmd.Flags().StringVar(&storyDescription, "description", "", "Story text")
	addStoryCmd.Flags().StringVar(&storyPhoto, "photo", "", "Path to the photo")
	addStoryCmd.Flags().Float64Var(&storyLat, "lat", 0, "Latitude")
	addStoryCmd.Flags().Float64Var(&storyLon, "lon", 0, "Longitude")

	storiesCmd.AddCommand(listStoriesCmd, addStoryCmd)
	rootCmd.AddCommand(storiesCmd)

	pushCmd := &cobra.Command{
		Short: "Manage the push subscription",
		Use:   "push",
	}

	pushStatusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the subscription status",
		RunE:  showPushStatus,
	}

	subscribeCmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe to push notifications",
		RunE:  subscribePush,
	}
	subscribeCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Allow notifications without asking")

	unsubscribeCmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Unsubscribe from push notifications",
		RunE:  unsubscribePush,
	}

	testPushCmd := &cobra.Command{
		Use:   "test",
		Short: "Send an encrypted test message to the current subscription",
		RunE:  sendTestPush,
	}
	testPushCmd.Flags().StringVar(&testTitle, "title", "Story berhasil dibuat", "Notification title")
	testPushCmd.Flags().StringVar(&testBody, "body", "Anda telah membuat story baru", "Notification body")
	testPushCmd.Flags().StringVar(&testURL, "url", "/", "Where a click should go")

	pushCmd.AddCommand(pushStatusCmd, subscribeCmd, unsubscribeCmd, testPushCmd)
	rootCmd.AddCommand(pushCmd)

	notificationCmd := &cobra.Command{
		Short: "Act on displayed notifications",
		Use:   "notification",
	}

	listNotificationsCmd := &cobra.Command{
		Use:   "list",
		Short: "List displayed notifications",
		RunE:  listNotifications,
	}

	clickCmd := &cobra.Command{
		Use:   "click [tag]",
		Short: "Click a notification",
		Args:  cobra.ExactArgs(1),
		RunE:  clickNotification,
	}

	closeCmd := &cobra.Command{
		Use:   "close [tag]",
		Short: "Dismiss a notification",
		Args:  cobra.ExactArgs(1),
		RunE:  closeNotification,
	}

	notificationCmd.AddCommand(listNotificationsCmd, clickCmd, closeCmd)
	rootCmd.AddCommand(notificationCmd)

	cacheCmd := &cobra.Command{
		Short: "Inspect the response cache",
		Use:   "cache",
	}

	generationsCmd := &cobra.Command{
		Use:   "generations",
		Short: "List cache generations",
		RunE:  listGenerations,
	}

	cacheCmd.AddCommand(generationsCmd)
	rootCmd.AddCommand(cacheCmd)

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account on the story API",
		RunE:  register,
	}
	registerCmd.Flags().StringVar(&userName, "name", "", "Your name")
	registerCmd.Flags().StringVar(&userEmail, "email", "", "Email address")

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the story API",
		RunE:  login,
	}
	loginCmd.Flags().StringVar(&userEmail, "email", "", "Email address")

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved login",
		RunE:  logout,
	}

	sessionCmd := &cobra.Command{
		Short: "Manage session keys",
		Use:   "session",
	}

	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print fresh session keys for the config file",
		RunE:  generateSessionKeys,
	}

	sessionCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(registerCmd, loginCmd, logoutCmd, sessionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

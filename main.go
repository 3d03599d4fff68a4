package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"scribe.zone/db"
	"scribe.zone/discordbot"
	"scribe.zone/stt"
)

var (
	logger *log.Logger
	bot    *discordbot.Bot
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(discordCmd)
	rootCmd.AddCommand(listSessionsCmd)
	rootCmd.AddCommand(micCheckCmd)

	rootCmd.PersistentFlags().String("discord-token", "", "Discord bot token")
	rootCmd.PersistentFlags().
		String("google-project", "", "Google Cloud project ID")
	rootCmd.PersistentFlags().
		String("google-location", "us", "Speech service location")
	rootCmd.PersistentFlags().
		String("speech-model", "chirp_3", "Recognition model")
	rootCmd.PersistentFlags().
		String("speech-language", "en-US", "Recognition language code")
	rootCmd.PersistentFlags().
		String("database-url", "", "Postgres connection URL")
	rootCmd.PersistentFlags().Int("http-port", 8081, "Health server port")

	viper.BindPFlag(
		"discord_token",
		rootCmd.PersistentFlags().Lookup("discord-token"),
	)
	viper.BindPFlag(
		"google_project",
		rootCmd.PersistentFlags().Lookup("google-project"),
	)
	viper.BindPFlag(
		"google_location",
		rootCmd.PersistentFlags().Lookup("google-location"),
	)
	viper.BindPFlag(
		"speech_model",
		rootCmd.PersistentFlags().Lookup("speech-model"),
	)
	viper.BindPFlag(
		"speech_language",
		rootCmd.PersistentFlags().Lookup("speech-language"),
	)
	viper.BindPFlag(
		"database_url",
		rootCmd.PersistentFlags().Lookup("database-url"),
	)
	viper.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		fmt.Printf("Error reading config file: %s\n", err)
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Scribe is a Discord bot for voice channel transcription",
	Long:  `Scribe joins Discord voice channels and streams each speaker's audio to Google Cloud Speech, saving and echoing the transcripts.`,
}

var discordCmd = &cobra.Command{
	Use:   "discord",
	Short: "Start the Discord bot",
	Run:   runDiscord,
}

var listSessionsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List listening sessions in a cool table",
	Long:  `List all listening sessions with their details in a formatted table`,
	Run:   runListSessions,
}

var micCheckCmd = &cobra.Command{
	Use:   "miccheck",
	Short: "Check speech service connectivity",
	Long:  `Open a probe recognition session and report whether the speech service accepts audio`,
	Run:   runMicCheck,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runDiscord(cmd *cobra.Command, args []string) {
	mainLogger, discordLogger, speechLogger, sqlLogger := createLoggers()

	discordToken := viper.GetString("discord_token")
	if discordToken == "" {
		mainLogger.Fatal("missing DISCORD_TOKEN or --discord-token=")
	}

	ctx := context.Background()

	conn, queries, err := db.OpenDatabase(ctx)
	if err != nil {
		mainLogger.Fatal("initialize database", "error", err.Error())
	}
	defer conn.Close(ctx)
	sqlLogger.Debug("database ready")

	recognition, err := newRecognitionClient(speechLogger)
	if err != nil {
		mainLogger.Fatal("create speech client", "error", err.Error())
	}

	store := db.NewSessionStore(
		queries,
		viper.GetString("google_location"),
		viper.GetString("speech_model"),
	)

	discord, err := discordgo.New("Bot " + discordToken)
	if err != nil {
		mainLogger.Fatal("error creating Discord session", "error", err.Error())
	}

	discordWrapper := &discordbot.DiscordSession{Session: discord}

	bot, err = discordbot.NewBot(
		discordWrapper,
		recognition,
		store,
		discordLogger,
	)
	if err != nil {
		mainLogger.Fatal("start discord bot", "error", err.Error())
	}
	defer bot.Close()

	go runHealthServer(mainLogger)

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc
}

func runHealthServer(logger *log.Logger) {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	port := viper.GetInt("http_port")
	logger.Info("starting health server", "port", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), r); err != nil {
		logger.Error("health server stopped", "error", err.Error())
	}
}

func runListSessions(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _ := createLoggers()

	ctx := context.Background()

	conn, queries, err := db.OpenDatabase(ctx)
	if err != nil {
		mainLogger.Fatal("initialize database", "error", err.Error())
	}
	defer conn.Close(ctx)

	sessions, err := queries.GetSessionsWithDetails(ctx)
	if err != nil {
		mainLogger.Fatal("fetch sessions", "error", err.Error())
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Guild", "Channel", "Status", "Started At", "Transcripts"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, session := range sessions {
		table.Append([]string{
			session.ID,
			session.GuildID,
			session.ChannelName,
			session.Status,
			session.StartedAt.Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%d", session.TranscriptCount),
		})
	}

	table.Render()
}

func runMicCheck(cmd *cobra.Command, args []string) {
	mainLogger, _, speechLogger, _ := createLoggers()

	recognition, err := newRecognitionClient(speechLogger)
	if err != nil {
		mainLogger.Fatal("create speech client", "error", err.Error())
	}

	if stt.CheckConnectivity(context.Background(), recognition, speechLogger) {
		fmt.Println("Speech service reachable.")
		return
	}

	fmt.Println("Speech service unreachable.")
	os.Exit(1)
}

func newRecognitionClient(logger *log.Logger) (*stt.GoogleClient, error) {
	return stt.NewGoogleClient(
		stt.GoogleConfig{
			ProjectID: viper.GetString("google_project"),
			Location:  viper.GetString("google_location"),
			Model:     viper.GetString("speech_model"),
			Languages: []string{viper.GetString("speech_language")},
		},
		stt.NewADCBearerSource(),
		logger,
	)
}

func createLoggers() (mainLogger, discordLogger, speechLogger, sqlLogger *log.Logger) {
	logLevel := log.DebugLevel

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	discordLogger = logger.With().WithPrefix("chat")
	speechLogger = logger.With().WithPrefix("hear")
	sqlLogger = logger.With().WithPrefix("data")

	return
}

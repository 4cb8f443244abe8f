package client

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"screenshare/internal/buffer"
	"screenshare/internal/config"
	"screenshare/internal/media"
	"screenshare/internal/metrics"
	"screenshare/internal/session"
	"screenshare/internal/udp"
	"screenshare/internal/utils"
)

// Глобальные переменные для параметров командной строки клиента
var (
	serverAddr      string
	discoverTimeout time.Duration
	outputFile      string
	audioOutput     string
	writeBufSize    int
	prometheusAddr  string
	debugMode       bool
)

// printClientStats выводит статистику работы клиента
func printClientStats(videoSink *buffer.BufferedFileWriter) {
	st := &utils.GlobalClientStats
	st.EndTime = time.Now()
	st.Duration = st.EndTime.Sub(st.StartTime)
	if st.Duration.Seconds() > 0 {
		st.NetworkSpeed = float64(st.TotalBytes) / st.Duration.Seconds() / (1024 * 1024)
	}
	if videoSink != nil {
		st.DiskWriteSpeed = videoSink.WriteSpeed()
	}

	fmt.Printf("\n[CLIENT] === Reception Statistics ===\n")
	fmt.Printf("[CLIENT] Duration: %.2fs\n", st.Duration.Seconds())
	fmt.Printf("[CLIENT] Video frames: %d\n", st.VideoFrames)
	fmt.Printf("[CLIENT] Audio frames: %d\n", st.AudioFrames)
	fmt.Printf("[CLIENT] Total bytes: %d (%.2f MB)\n", st.TotalBytes, float64(st.TotalBytes)/(1024*1024))
	fmt.Printf("[CLIENT] Network speed: %.2f MB/s\n", st.NetworkSpeed)
	fmt.Printf("[CLIENT] Disk write speed: %.2f MB/s\n", st.DiskWriteSpeed)
	fmt.Printf("[CLIENT] Superseded frames: %d\n", st.SupersededFrames)
	fmt.Printf("[CLIENT] FEC recovered frames: %d\n", st.RecoveredFrames)
	fmt.Printf("[CLIENT] ============================\n")
}

var ClientCmd = &cobra.Command{
	Use:   "client",
	Short: "Receive a shared stream and dump the elementary streams",
	Run: func(cmd *cobra.Command, args []string) {
		config.DebugEnabled = debugMode
		log.SetOutput(os.Stderr)

		utils.GlobalClientStats = utils.ClientStats{StartTime: time.Now()}

		sigChan := utils.SetupGracefulShutdown()
		metrics.StartPrometheus(prometheusAddr)

		server := serverAddr
		if server == "" {
			fmt.Printf("[CLIENT] discovering server on the local subnet...\n")
			ip, err := udp.Discover(discoverTimeout)
			if err != nil {
				log.Fatalf("discovery failed: %v (use --server to set the address explicitly)", err)
			}
			server = net.JoinHostPort(ip.String(), fmt.Sprintf("%d", config.MediaPort))
			fmt.Printf("[CLIENT] server found at %s\n", server)
		}

		conn, err := udp.DialMediaConn(server)
		if err != nil {
			log.Fatalf("media socket: %v", err)
		}

		videoSink, videoFactory := newFileDecoderFactory(outputFile, "video")
		audioSink, audioFactory := newFileDecoderFactory(audioOutput, "audio")

		receiver := session.NewReceiver(conn, videoFactory, audioFactory)
		receiver.Start()

		fmt.Printf("[CLIENT] connected to %s, waiting for stream...\n", server)

		<-sigChan
		log.Println("[CLIENT] Received shutdown signal")

		receiver.Stop()
		closeSink(videoSink)
		closeSink(audioSink)

		printClientStats(videoSink)
		log.Println("[CLIENT] Client shutdown complete")
	},
}

func init() {
	ClientCmd.Flags().StringVar(&serverAddr, "server", "", "server address host:port (empty = discover via broadcast)")
	ClientCmd.Flags().DurationVar(&discoverTimeout, "discover-timeout", 5*time.Second, "how long to wait for a discovery reply")
	ClientCmd.Flags().StringVar(&outputFile, "output", "screen.bin", "file for the received video elementary stream")
	ClientCmd.Flags().StringVar(&audioOutput, "audio-output", "", "file for the received audio elementary stream (optional)")
	ClientCmd.Flags().IntVar(&writeBufSize, "buffer-size", 4<<20, "disk write buffer size in bytes")
	ClientCmd.Flags().StringVar(&prometheusAddr, "metrics-addr", ":9101", "prometheus listen address")
	ClientCmd.Flags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

// fileDecoder - декодер-заглушка: вместо постановки в аппаратный кодек
// пишет config blob'ы и собранные access unit'ы в файл по порядку.
// Для Annex-B потока это дает проигрываемый дамп
type fileDecoder struct {
	sink *buffer.BufferedFileWriter
}

func (d *fileDecoder) Configure(blob []byte) error {
	if d.sink == nil {
		return nil
	}
	_, err := d.sink.Write(blob)
	return err
}

func (d *fileDecoder) Decode(payload []byte) error {
	if d.sink == nil {
		return nil
	}
	_, err := d.sink.Write(payload)
	return err
}

func (d *fileDecoder) Close() error { return nil }

// newFileDecoderFactory создает sink и фабрику декодеров поверх него.
// Sink переживает пересоздания декодера: файл один на всю сессию.
// Пустой путь дает /dev/null-поведение (медиа принимается и выбрасывается)
func newFileDecoderFactory(path, kind string) (*buffer.BufferedFileWriter, media.DecoderFactory) {
	var sink *buffer.BufferedFileWriter
	if path != "" {
		w, err := buffer.NewBufferedFileWriter(path, writeBufSize)
		if err != nil {
			log.Fatalf("create %s output: %v", kind, err)
		}
		sink = w
	}

	factory := func(meta media.Metadata) (media.Decoder, error) {
		utils.DebugLog("[CLIENT] new %s decoder for %dx%d", kind, meta.Width, meta.Height)
		return &fileDecoder{sink: sink}, nil
	}
	return sink, factory
}

func closeSink(sink *buffer.BufferedFileWriter) {
	if sink == nil {
		return
	}
	if err := sink.Close(); err != nil {
		log.Printf("[CLIENT] close output: %v", err)
	}
}

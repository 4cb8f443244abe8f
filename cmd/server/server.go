package server

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"screenshare/internal/config"
	"screenshare/internal/media"
	"screenshare/internal/metrics"
	"screenshare/internal/session"
	"screenshare/internal/udp"
	"screenshare/internal/utils"
)

// Глобальные переменные для параметров командной строки сервера
var (
	listenAddr     string
	inputFile      string
	audioInput     string
	videoConfig    string
	audioConfig    string
	width          int
	height         int
	fps            int
	frameBytes     int
	audioBytes     int
	configInterval int
	fecParity      int
	discovery      bool
	prometheusAddr string
	debugMode      bool
)

// printServerStats выводит статистику работы сервера
func printServerStats() {
	st := &utils.GlobalServerStats
	st.EndTime = time.Now()
	st.Duration = st.EndTime.Sub(st.StartTime)
	if st.Duration.Seconds() > 0 {
		st.NetworkSpeed = float64(st.TotalBytes) / st.Duration.Seconds() / (1024 * 1024)
	}

	fmt.Printf("\n[SERVER] === Transmission Statistics ===\n")
	fmt.Printf("[SERVER] Duration: %.2fs\n", st.Duration.Seconds())
	fmt.Printf("[SERVER] Video frames: %d\n", st.VideoFrames)
	fmt.Printf("[SERVER] Audio frames: %d\n", st.AudioFrames)
	fmt.Printf("[SERVER] Total bytes: %d (%.2f MB)\n", st.TotalBytes, float64(st.TotalBytes)/(1024*1024))
	fmt.Printf("[SERVER] Network speed: %.2f MB/s\n", st.NetworkSpeed)
	fmt.Printf("[SERVER] Packets dropped without endpoint: %d\n", st.DroppedNoPeer)
	if fecParity > 0 {
		fmt.Printf("[SERVER] FEC parity shards per frame: %d\n", fecParity)
	}
	fmt.Printf("[SERVER] =================================\n")
}

var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Share a pre-encoded stream to the learned client endpoint",
	Run: func(cmd *cobra.Command, args []string) {
		config.DebugEnabled = debugMode
		log.SetOutput(os.Stderr)

		sigChan := utils.SetupGracefulShutdown()

		if err := validateServerParams(); err != nil {
			log.Fatalf("parameter validation failed: %v", err)
		}

		utils.GlobalServerStats = utils.ServerStats{StartTime: time.Now()}

		fmt.Printf("[SERVER] starting... listen=%s input=%s %dx%d @%dfps fec=%d\n",
			listenAddr, inputFile, width, height, fps, fecParity)

		metrics.StartPrometheus(prometheusAddr)

		conn, err := udp.NewMediaConn(listenAddr)
		if err != nil {
			log.Fatalf("media socket: %v", err)
		}

		sender, err := session.NewSender(conn, fecParity)
		if err != nil {
			log.Fatalf("sender: %v", err)
		}
		sender.Start()
		defer sender.Stop()

		stopDiscovery := make(chan struct{})
		defer close(stopDiscovery)
		if discovery {
			ip, err := udp.LocalIPv4()
			if err != nil {
				log.Printf("[SERVER] discovery disabled: %v", err)
			} else if err := udp.ServeDiscovery(stopDiscovery, ip); err != nil {
				log.Printf("[SERVER] discovery disabled: %v", err)
			}
		}

		// Метаданные и config'и анонсируются сразу; sender сам переанонсирует
		// их каждому новому выученному endpoint'у
		sender.SetMetadata(media.Metadata{Width: int32(width), Height: int32(height)})
		videoCfg := loadConfigBlob(videoConfig, "video")
		audioCfg := loadConfigBlob(audioConfig, "audio")
		sender.SendVideoConfig(videoCfg)
		if audioInput != "" {
			sender.SendAudioConfig(audioCfg)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			feedStream(sender, videoCfg)
		}()

		select {
		case <-sigChan:
			log.Println("[SERVER] Received shutdown signal. Graceful shutdown initiated...")
		case <-done:
			log.Println("[SERVER] Input exhausted. Shutting down...")
		}

		sender.Stop()
		printServerStats()
	},
}

func init() {
	ServerCmd.Flags().StringVar(&listenAddr, "listen", fmt.Sprintf(":%d", config.MediaPort), "UDP listen address for media transport")
	ServerCmd.Flags().StringVar(&inputFile, "input", "-", "pre-encoded video elementary stream, '-' = stdin")
	ServerCmd.Flags().StringVar(&audioInput, "audio-input", "", "pre-encoded audio elementary stream (optional)")
	ServerCmd.Flags().StringVar(&videoConfig, "video-config", "", "video decoder config blob file (optional)")
	ServerCmd.Flags().StringVar(&audioConfig, "audio-config", "", "audio decoder config blob file (optional)")
	ServerCmd.Flags().IntVar(&width, "width", 1080, "source width announced in stream metadata")
	ServerCmd.Flags().IntVar(&height, "height", 1920, "source height announced in stream metadata")
	ServerCmd.Flags().IntVar(&fps, "fps", 30, "video access units per second")
	ServerCmd.Flags().IntVar(&frameBytes, "frame-bytes", 32<<10, "bytes read from input per video access unit")
	ServerCmd.Flags().IntVar(&audioBytes, "audio-bytes", 960, "bytes read from audio input per audio access unit")
	ServerCmd.Flags().IntVar(&configInterval, "config-interval", 300, "re-send decoder config every N video frames (0 = off)")
	ServerCmd.Flags().IntVar(&fecParity, "fec-parity", 0, "Reed-Solomon parity shards per video frame (0 = off)")
	ServerCmd.Flags().BoolVar(&discovery, "discovery", true, "answer subnet discovery broadcasts")
	ServerCmd.Flags().StringVar(&prometheusAddr, "metrics-addr", ":9100", "prometheus listen address")
	ServerCmd.Flags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

func validateServerParams() error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid dimensions: %dx%d", width, height)
	}
	if fps <= 0 || fps > 240 {
		return fmt.Errorf("invalid fps: %d", fps)
	}
	if frameBytes <= 0 || frameBytes > config.MaxFragments*config.MTUPayload {
		return fmt.Errorf("invalid frame-bytes: %d (max %d)", frameBytes, config.MaxFragments*config.MTUPayload)
	}
	if audioBytes <= 0 || audioBytes > config.MTUPayload {
		return fmt.Errorf("invalid audio-bytes: %d (audio is not fragmented, max %d)", audioBytes, config.MTUPayload)
	}
	if fecParity < 0 || fecParity > config.MaxFragments {
		return fmt.Errorf("invalid fec-parity: %d", fecParity)
	}
	return nil
}

// loadConfigBlob читает config blob декодера из файла, либо подставляет
// заглушку - внешнего энкодера у файлового стенда нет
func loadConfigBlob(path, kind string) []byte {
	if path == "" {
		return []byte("screenshare-" + kind + "-config")
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s config: %v", kind, err)
	}
	return blob
}

// feedStream играет роль внешнего энкодера: режет входной поток на
// access unit'ы фиксированного размера и отдает их sender'у с частотой fps
func feedStream(sender *session.Sender, videoCfg []byte) {
	var in io.Reader
	if inputFile == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(inputFile)
		if err != nil {
			log.Fatalf("open input: %v", err)
		}
		defer f.Close()
		in = bufio.NewReaderSize(f, 4<<20)
	}

	var audio io.Reader
	if audioInput != "" {
		f, err := os.Open(audioInput)
		if err != nil {
			log.Fatalf("open audio input: %v", err)
		}
		defer f.Close()
		audio = bufio.NewReaderSize(f, 1<<20)
	}

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	frameBuf := make([]byte, frameBytes)
	audioBuf := make([]byte, audioBytes)
	var frames uint64

	for range ticker.C {
		n, err := io.ReadFull(in, frameBuf)
		if n > 0 {
			unit := media.AccessUnit{Kind: media.KindData, Payload: frameBuf[:n]}
			if serr := sender.SendVideoUnit(unit); serr != nil {
				log.Printf("[SERVER] send video: %v", serr)
			} else {
				frames++
				atomic.AddUint64(&utils.GlobalServerStats.VideoFrames, 1)
				atomic.AddUint64(&utils.GlobalServerStats.TotalBytes, uint64(n))
			}
		}
		if err != nil {
			return // EOF или ошибка чтения - поток закончился
		}

		// Периодический переанонс config'а - аналог keyframe config'а
		// настоящего энкодера
		if configInterval > 0 && frames%uint64(configInterval) == 0 {
			sender.SendVideoUnit(media.AccessUnit{Kind: media.KindConfig, Payload: videoCfg})
		}

		if audio != nil {
			an, aerr := io.ReadFull(audio, audioBuf)
			if an > 0 {
				unit := media.AccessUnit{Kind: media.KindData, Payload: audioBuf[:an]}
				if serr := sender.SendAudioUnit(unit); serr != nil {
					log.Printf("[SERVER] send audio: %v", serr)
				} else {
					atomic.AddUint64(&utils.GlobalServerStats.AudioFrames, 1)
					atomic.AddUint64(&utils.GlobalServerStats.TotalBytes, uint64(an))
				}
			}
			if aerr != nil {
				audio = nil // аудио кончилось, видео продолжается
			}
		}
	}
}

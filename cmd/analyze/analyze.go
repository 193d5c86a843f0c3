package analyze

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/endorses/flowscope/internal/pkg/cmdutil"
	"github.com/endorses/flowscope/internal/pkg/constants"
	"github.com/endorses/flowscope/internal/pkg/engine"
	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/logger"
	"github.com/endorses/flowscope/internal/pkg/metrics"
	"github.com/endorses/flowscope/internal/pkg/output"
	"github.com/endorses/flowscope/internal/pkg/pcapsource"
	"github.com/endorses/flowscope/internal/pkg/pcapwriter"
	"github.com/endorses/flowscope/internal/pkg/signals"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var AnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Decode a capture file into protocol events",
	Long: `Replay a pcap or pcapng file through the analysis engine and print every
protocol event: connections, HTTP requests and responses, DNS messages,
SMTP and FTP dialogue, ICMP and unrecognised traffic.

Examples:
  # Events as JSON lines
  flowscope analyze -r capture.pcap

  # YAML, with the target address raised for the whole capture
  flowscope analyze -r capture.pcapng -f yaml --target 10.0.0.1

  # Publish to NATS and keep frames the engine could not decode
  flowscope analyze -r capture.pcap --nats-url nats://localhost:4222 -w rejected.pcap`,
	RunE: analyze,
}

var (
	readFile       string
	outputFile     string
	format         string
	linkType       string
	deviceID       string
	networkID      string
	target         string
	natsURL        string
	natsSubject    string
	metricsPort    int
	rejectedFile   string
	flowTTL        = constants.DefaultFlowTTL
	closingTTL     = constants.ClosingFlowTTL
	fragmentQueue  int
	bufferedSegs   int
	identBuffer    int
	maxBodySize    string
	maxPayloadSize string
)

// settings maps flags onto config keys. A changed flag overrides the key.
var settings = map[string]string{
	"format":                "output.format",
	"nats-url":              "output.nats_url",
	"nats-subject":          "output.nats_subject",
	"link-type":             "engine.link_type",
	"flow-ttl":              "engine.flow_ttl",
	"closing-ttl":           "engine.closing_ttl",
	"fragment-queue-size":   "engine.fragment_queue_size",
	"max-buffered-segments": "engine.max_buffered_segments",
	"ident-buffer-size":     "engine.ident_buffer_size",
	"max-body-size":         "http.max_body_size",
	"max-payload-size":      "engine.max_payload_size",
	"metrics-port":          "metrics.port",
}

func analyze(cmd *cobra.Command, args []string) error {
	for flag, key := range settings {
		if cmd.Flags().Changed(flag) {
			viper.Set(key, cmd.Flags().Lookup(flag).Value.String())
		}
	}

	src, err := pcapsource.Open(readFile)
	if err != nil {
		return err
	}
	defer src.Close()

	cfg, err := engineConfig(src.LinkType())
	if err != nil {
		return err
	}

	var registry *prometheus.Registry
	port := cmdutil.GetIntConfig("metrics.port", metricsPort)
	if port > 0 {
		exporter := metrics.NewExporter(port)
		exporter.Start()
		defer exporter.Stop()
		registry = exporter.Registry()
	} else {
		registry = prometheus.NewRegistry()
	}

	sink, err := openSinks()
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("Failed to close output", "error", err)
		}
	}()

	var rejected *pcapwriter.Writer
	if rejectedFile != "" {
		rejected, err = pcapwriter.New(&pcapwriter.Config{
			FilePath:   rejectedFile,
			LinkType:   src.LinkType(),
			BufferSize: constants.EventChannelBuffer,
		})
		if err != nil {
			return err
		}
		defer rejected.Close()
	}

	rc := replayConfig{
		DeviceID:      deviceID,
		NetworkID:     networkID,
		SweepInterval: constants.SweepInterval,
	}
	if target != "" {
		if rc.Target = net.ParseIP(target); rc.Target == nil {
			return fmt.Errorf("invalid target address %q", target)
		}
	}

	ctx, stop := signals.WithShutdown(context.Background())
	defer stop()

	eng := engine.New(cfg, sink, metrics.New(registry))
	logger.Info("Starting analysis",
		"file", readFile,
		"format", string(src.Format()),
		"link_type", cfg.LinkType.String(),
		"device_id", deviceID,
		"network_id", networkID)

	var w frameWriter
	if rejected != nil {
		w = rejected
	}
	sum, err := replay(ctx, src, eng, rc, w)
	sum.Events = uint64(metrics.Total(registry, "flowscope_events_total"))

	logger.Info("Analysis finished",
		"frames", sum.Frames,
		"rejected", sum.Rejected,
		"events", sum.Events,
		"contexts_created", sum.Contexts,
		"contexts_swept", sum.Swept,
		"capture_span", sum.Span.String())

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// engineConfig resolves engine settings from config and flags. An unset
// link type follows the capture file.
func engineConfig(fileLink layers.LinkType) (engine.Config, error) {
	cfg := engine.DefaultConfig()

	if name := viper.GetString("engine.link_type"); name != "" {
		lt, err := engine.ParseLinkType(name)
		if err != nil {
			return cfg, err
		}
		cfg.LinkType = lt
	} else {
		lt, err := engine.FromPcap(fileLink)
		if err != nil {
			return cfg, err
		}
		cfg.LinkType = lt
	}

	cfg.FlowTTL = cmdutil.GetDurationConfig("engine.flow_ttl", flowTTL)
	cfg.TCP.ClosingTTL = cmdutil.GetDurationConfig("engine.closing_ttl", closingTTL)
	cfg.IPv4.QueueSize = cmdutil.GetIntConfig("engine.fragment_queue_size", fragmentQueue)
	cfg.TCP.MaxBufferedSegments = cmdutil.GetIntConfig("engine.max_buffered_segments", bufferedSegs)
	cfg.TCP.IdentBufferSize = cmdutil.GetIntConfig("engine.ident_buffer_size", identBuffer)

	body, err := cmdutil.GetSizeConfig("http.max_body_size", maxBodySize, false)
	if err != nil {
		return cfg, err
	}
	payload, err := cmdutil.GetSizeConfig("engine.max_payload_size", maxPayloadSize, false)
	if err != nil {
		return cfg, err
	}
	cfg.MaxBodySize = int(body)
	cfg.MaxDataSize = int(body)
	cfg.MaxPayloadSize = int(payload)
	return cfg, nil
}

// openSinks builds the writer sink and, when configured, the NATS
// publisher.
func openSinks() (output.Tee, error) {
	name := cmdutil.GetStringConfig("output.format", "")
	if outputFile != "" && (name == "" || name == "auto") {
		name = string(output.FormatJSON)
	}
	f, err := output.ParseFormat(name)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	var file *os.File
	if outputFile != "" {
		file, err = os.Create(outputFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file: %w", err)
		}
		out = file
	}

	var tee output.Tee
	if w := output.NewWriter(f, out); w != nil {
		tee = append(tee, w)
	}
	if file != nil {
		tee = append(tee, fileCloser{file})
	}

	if url := cmdutil.GetStringConfig("output.nats_url", ""); url != "" {
		subject := cmdutil.GetStringConfig("output.nats_subject", "")
		pub, err := output.NewNATSPublisher(url, subject)
		if err != nil {
			tee.Close()
			return nil, err
		}
		tee = append(tee, pub)
	}
	return tee, nil
}

// fileCloser closes the output file after the writers before it in the
// tee have flushed.
type fileCloser struct{ f *os.File }

func (fileCloser) Observe(*event.Event) {}

func (c fileCloser) Close() error {
	return c.f.Close()
}

func init() {
	AnalyzeCmd.Flags().StringVarP(&readFile, "read-file", "r", "", "pcap or pcapng file to analyze")
	AnalyzeCmd.Flags().StringVarP(&outputFile, "output", "o", "", "write events to this file instead of stdout")
	AnalyzeCmd.Flags().StringVarP(&format, "format", "f", "auto", "event format: auto, json, pretty, yaml, none")
	AnalyzeCmd.Flags().StringVar(&linkType, "link-type", "", "override the capture link type: raw or ethernet")
	AnalyzeCmd.Flags().StringVar(&deviceID, "device-id", "pcap", "device id recorded on every event")
	AnalyzeCmd.Flags().StringVar(&networkID, "network-id", "default", "network id recorded on every event")
	AnalyzeCmd.Flags().StringVar(&target, "target", "", "target address raised for the whole capture")
	AnalyzeCmd.Flags().StringVar(&natsURL, "nats-url", "", "publish events to this NATS server")
	AnalyzeCmd.Flags().StringVar(&natsSubject, "nats-subject", output.DefaultSubject, "NATS subject prefix")
	AnalyzeCmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "serve prometheus metrics on this port (0 disables)")
	AnalyzeCmd.Flags().StringVarP(&rejectedFile, "write-rejected", "w", "", "write frames the engine rejected to this pcap file")
	AnalyzeCmd.Flags().DurationVar(&flowTTL, "flow-ttl", constants.DefaultFlowTTL, "idle lifetime of a flow")
	AnalyzeCmd.Flags().DurationVar(&closingTTL, "closing-ttl", constants.ClosingFlowTTL, "lifetime of a TCP connection after FIN or RST")
	AnalyzeCmd.Flags().IntVar(&fragmentQueue, "fragment-queue-size", constants.FragmentQueueSize, "fragments buffered per IP pair")
	AnalyzeCmd.Flags().IntVar(&bufferedSegs, "max-buffered-segments", constants.MaxBufferedSegments, "out-of-order TCP segments buffered per direction")
	AnalyzeCmd.Flags().IntVar(&identBuffer, "ident-buffer-size", constants.IdentBufferSize, "stream bytes sniffed before service identification")
	AnalyzeCmd.Flags().StringVar(&maxBodySize, "max-body-size", "1M", "HTTP body and SMTP data retained per message")
	AnalyzeCmd.Flags().StringVar(&maxPayloadSize, "max-payload-size", "64K", "payload retained on unrecognised stream and datagram events")

	_ = AnalyzeCmd.MarkFlagRequired("read-file")
}

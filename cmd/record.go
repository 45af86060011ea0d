package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinivoice/capture-agent/internal/capture"
	"github.com/clinivoice/capture-agent/internal/events"
	"github.com/clinivoice/capture-agent/internal/uploader"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Capture audio and upload it in the background",
	Long: `Record from the microphone (default), a running application, or system
audio. Recording runs until interrupted (Ctrl-C), then the audio is saved
locally and queued for upload and transcription.

The upload is routed to an existing session (--session), a patient
(--patient, creating a session attached to them), or a brand-new
freestanding session when neither is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		target, _ := cmd.Flags().GetString("app")
		device, _ := cmd.Flags().GetString("device")
		sessionID, _ := cmd.Flags().GetString("session")
		patientID, _ := cmd.Flags().GetString("patient")

		kind := capture.SourceKind(source)
		switch kind {
		case capture.SourceMic:
			target = device
		case capture.SourceApp:
			if target == "" {
				return fmt.Errorf("--app is required for application capture")
			}
		case capture.SourceSystem:
		default:
			return fmt.Errorf("unknown source %q (valid: microphone, application, system)", source)
		}

		agent.Subscribe(printNotification)

		if err := agent.StartCapture(cmd.Context(), kind, target); err != nil {
			return err
		}
		fmt.Printf("Recording from %s... press Ctrl-C to stop and upload.\n", kind)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		uploadID, err := agent.StopAndQueue(cmd.Context(), sessionID, patientID)
		if err != nil {
			return err
		}
		fmt.Printf("Recording queued for upload (%s).\n", uploadID)

		// Stay alive until the queue drains so the background upload and
		// the transcription handoff actually happen.
		waitForUpload(uploadID)
		return nil
	},
}

func waitForUpload(uploadID string) {
	for {
		entry, ok := findUpload(uploadID)
		if !ok {
			return // removed after completion
		}
		switch entry.Status {
		case uploader.StatusFailed:
			fmt.Fprintf(os.Stderr, "Upload failed: %s\n", entry.Error)
			fmt.Fprintln(os.Stderr, "The recording is kept on this device; retry with `clinivoice recordings retry`.")
			return
		case uploader.StatusCompleted:
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func findUpload(id string) (uploader.PendingUpload, bool) {
	for _, entry := range agent.Uploads() {
		if entry.ID == id {
			return entry, true
		}
	}
	return uploader.PendingUpload{}, false
}

func printNotification(ev events.Event) {
	if ev.Type != events.TypeNotification {
		return
	}
	fmt.Printf("[%s] %s: %s\n", ev.Level, ev.Title, ev.Message)
}

func init() {
	recordCmd.Flags().StringP("source", "s", "microphone", "capture source: microphone, application, system")
	recordCmd.Flags().String("app", "", "application name to capture (source=application)")
	recordCmd.Flags().String("device", "", "microphone device (source=microphone, default from config)")
	recordCmd.Flags().String("session", "", "existing session id to attach the recording to")
	recordCmd.Flags().String("patient", "", "patient id to create a session for")
}

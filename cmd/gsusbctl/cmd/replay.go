package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/roffe/gsusb"
)

func init() {
	replayCmd.Flags().Duration("delay", 10*time.Millisecond, "delay between frames")
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay <logfile>",
	Short: "replay a candump style log onto the bus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		delay, err := cmd.Flags().GetDuration("delay")
		if err != nil {
			return err
		}
		frames, err := loadLog(args[0])
		if err != nil {
			return err
		}
		if len(frames) == 0 {
			return fmt.Errorf("no frames in %s", args[0])
		}

		c, channel, err := initClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Start(nil); err != nil {
			return err
		}
		defer c.Stop()

		bar := progressbar.Default(int64(len(frames)), "replaying")
		for _, frame := range frames {
			frame.Channel = uint8(channel)
			if err := c.Send(frame); err != nil {
				return err
			}
			bar.Add(1)
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(delay):
			}
		}
		return nil
	},
}

// loadLog reads frames from a candump style log, one "ID#DATA" per line.
// Lines may carry a leading "(timestamp) iface" prefix, which is ignored.
func loadLog(path string) ([]gsusb.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var frames []gsusb.Frame
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		record := fields[len(fields)-1]
		id, data, found := strings.Cut(record, "#")
		if !found {
			return nil, fmt.Errorf("%s:%d: no '#' separator in %q", path, line, record)
		}
		frame, err := parseFrame([]string{id, data})
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		frames = append(frames, frame)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

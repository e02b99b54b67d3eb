package disco

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	embedColorInfo = 46433

	// discordMaxEmbedFields is the maximum number of fields in one embed
	discordMaxEmbedFields = 25

	dayDuration   = 24 * time.Hour
	weekDuration  = 7 * dayDuration
	monthDuration = 30 * dayDuration
	yearDuration  = 365 * dayDuration
)

// SystemInfo is a snapshot of the host and of this process.
type SystemInfo struct {
	Platform    string
	Arch        string
	Hostname    string
	Release     string
	Uptime      time.Duration
	TotalMemory uint64
	FreeMemory  uint64
	LoadAverage [3]float64
	CPUCount    int
	CPUs        []CPUInfo
	ProcessRSS  uint64
}

type CPUInfo struct {
	Model  string
	Mhz    float64
	User   time.Duration
	System time.Duration
	Idle   time.Duration
}

// collectSystemInfo gathers host, memory, load, CPU and process stats.
// Stats that can't be read on this platform are left empty, and their
// errors returned joined alongside whatever was collected.
func collectSystemInfo(ctx context.Context) (SystemInfo, error) {
	info := SystemInfo{
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		CPUCount: runtime.NumCPU(),
	}
	var errs []error

	if h, err := host.InfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("host: %w", err))
	} else {
		info.Hostname = h.Hostname
		info.Release = h.KernelVersion
		info.Uptime = time.Duration(h.Uptime) * time.Second
		if h.KernelArch != "" {
			info.Arch = h.KernelArch
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		info.TotalMemory = vm.Total
		info.FreeMemory = vm.Available
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("load: %w", err))
	} else {
		info.LoadAverage = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	}

	cpus, err := cpuInfo(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	info.CPUs = cpus

	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err != nil {
		errs = append(errs, fmt.Errorf("process: %w", err))
	} else if mi, err := p.MemoryInfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("process memory: %w", err))
	} else {
		info.ProcessRSS = mi.RSS
	}

	return info, errors.Join(errs...)
}

// cpuInfo pairs per-CPU times with the model info of each CPU.
func cpuInfo(ctx context.Context) ([]CPUInfo, error) {
	times, err := cpu.TimesWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("cpu times: %w", err)
	}
	models, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("cpu info: %w", err)
	}
	cpus := make([]CPUInfo, 0, len(times))
	for i, t := range times {
		c := CPUInfo{
			User:   secondsDuration(t.User),
			System: secondsDuration(t.System),
			Idle:   secondsDuration(t.Idle),
		}
		switch {
		case i < len(models):
			c.Model, c.Mhz = models[i].ModelName, models[i].Mhz
		case len(models) > 0:
			c.Model, c.Mhz = models[0].ModelName, models[0].Mhz
		}
		cpus = append(cpus, c)
	}
	return cpus, nil
}

func secondsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func plural(n int64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.FormatInt(n, 10) + " " + unit + "s"
}

// formatDuration renders d like "1 week, 2 days, 03:04:05, 6ms", or
// "3 hours, 4 minutes, 5 seconds" when it's under a day. Milliseconds
// are left off once the duration reaches a year.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	rest := d
	take := func(unit time.Duration) time.Duration {
		n := rest / unit
		rest -= n * unit
		return n
	}
	years := take(yearDuration)
	months := take(monthDuration)
	weeks := take(weekDuration)
	days := take(dayDuration)
	hours := take(time.Hour)
	minutes := take(time.Minute)
	seconds := take(time.Second)
	millis := take(time.Millisecond)

	var parts []string
	if years > 0 {
		parts = append(parts, plural(int64(years), "year"))
	}
	if months > 0 {
		parts = append(parts, plural(int64(months), "month"))
	}
	if weeks > 0 {
		parts = append(parts, plural(int64(weeks), "week"))
	}
	if days > 0 {
		parts = append(
			parts,
			plural(int64(days), "day"),
			fmt.Sprintf("%02d:%02d:%02d", int64(hours), int64(minutes), int64(seconds)),
		)
	} else {
		if hours > 0 {
			parts = append(parts, plural(int64(hours), "hour"))
		}
		if minutes > 0 {
			parts = append(parts, plural(int64(minutes), "minute"))
		}
		if seconds > 0 {
			parts = append(parts, plural(int64(seconds), "second"))
		}
	}
	if millis > 0 && years == 0 {
		parts = append(parts, fmt.Sprintf("%dms", int64(millis)))
	}
	return strings.Join(parts, ", ")
}

// formatMemory renders a byte count in the largest binary unit that
// fits, ex: "1.50 GiB"
func formatMemory(bytes uint64) string {
	const (
		kib = 1024
		mib = 1024 * kib
		gib = 1024 * mib
	)
	switch {
	case bytes >= gib:
		return fmt.Sprintf("%.2f GiB", float64(bytes)/gib)
	case bytes >= mib:
		return fmt.Sprintf("%.2f MiB", float64(bytes)/mib)
	case bytes >= kib:
		return fmt.Sprintf("%.2f KiB", float64(bytes)/kib)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func inlineField(name, value string) *discordgo.MessageEmbedField {
	if value == "" {
		value = "-"
	}
	return &discordgo.MessageEmbedField{Name: name, Value: value, Inline: true}
}

// BotInfo is what the info command reports about the bot itself
type BotInfo struct {
	Version    string
	Uptime     time.Duration
	ShardCount int
	Guilds     int
}

// systemInfoEmbeds renders the info command's output.
func systemInfoEmbeds(
	info SystemInfo,
	bot BotInfo,
	author *discordgo.User,
) []*discordgo.MessageEmbed {
	system := &discordgo.MessageEmbed{
		Title: "System Information",
		Color: embedColorInfo,
		Fields: []*discordgo.MessageEmbedField{
			inlineField("Platform", info.Platform),
			inlineField("Architecture", info.Arch),
			inlineField("Uptime", formatDuration(info.Uptime)),
			inlineField("Hostname", info.Hostname),
			inlineField("Release", info.Release),
			inlineField("Total Memory", formatMemory(info.TotalMemory)),
			inlineField("Free Memory", formatMemory(info.FreeMemory)),
			inlineField(
				"Load Average (1, 5, 15 min)",
				fmt.Sprintf(
					"%.2f, %.2f, %.2f",
					info.LoadAverage[0],
					info.LoadAverage[1],
					info.LoadAverage[2],
				),
			),
			inlineField("CPU Count", strconv.Itoa(info.CPUCount)),
		},
	}
	if author != nil {
		system.Author = &discordgo.MessageEmbedAuthor{
			Name:    author.Username,
			IconURL: author.AvatarURL(""),
		}
	}

	cpuFields := make([]*discordgo.MessageEmbedField, 0, len(info.CPUs))
	for i, c := range info.CPUs {
		if len(cpuFields) == discordMaxEmbedFields-1 && len(info.CPUs) > discordMaxEmbedFields {
			cpuFields = append(
				cpuFields,
				inlineField("...", fmt.Sprintf("%d more", len(info.CPUs)-i)),
			)
			break
		}
		cpuFields = append(
			cpuFields,
			inlineField(
				fmt.Sprintf("Core %d (%s, %.0f MHz)", i, c.Model, c.Mhz),
				fmt.Sprintf(
					"User Time: %ds\nSystem Time: %ds\nIdle Time: %ds",
					int64(c.User.Round(time.Second)/time.Second),
					int64(c.System.Round(time.Second)/time.Second),
					int64(c.Idle.Round(time.Second)/time.Second),
				),
			),
		)
	}

	embeds := []*discordgo.MessageEmbed{system}
	if len(cpuFields) > 0 {
		embeds = append(
			embeds,
			&discordgo.MessageEmbed{
				Title:  "CPU Info",
				Color:  embedColorInfo,
				Fields: cpuFields,
			},
		)
	}

	shards := bot.ShardCount
	if shards < 1 {
		shards = 1
	}
	embeds = append(
		embeds,
		&discordgo.MessageEmbed{
			Title: "Bot Information",
			Color: embedColorInfo,
			Fields: []*discordgo.MessageEmbedField{
				inlineField("Version", bot.Version),
				inlineField("Uptime", formatDuration(bot.Uptime.Round(time.Second))),
				inlineField("Memory Usage", formatMemory(info.ProcessRSS)),
				inlineField("Shards", strconv.Itoa(shards)),
				inlineField("Servers", strconv.Itoa(bot.Guilds)),
			},
		},
		&discordgo.MessageEmbed{
			Title: "Go Runtime",
			Color: embedColorInfo,
			Fields: []*discordgo.MessageEmbedField{
				inlineField("Version", runtime.Version()),
				inlineField("Goroutines", strconv.Itoa(runtime.NumGoroutine())),
			},
		},
	)
	return embeds
}

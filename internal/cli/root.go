package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/risunCode/downaria/internal/core/cache"
	"github.com/risunCode/downaria/internal/core/config"
	"github.com/risunCode/downaria/internal/core/downloader"
	"github.com/risunCode/downaria/internal/core/media"
	"github.com/risunCode/downaria/internal/core/scrape"
	"github.com/risunCode/downaria/internal/core/version"
)

var (
	output    string
	quality   string
	itemID    string
	cookie    string
	infoOnly  bool
	inputFile string
	skipCache bool
	allowGaps bool
)

var rootCmd = &cobra.Command{
	Use:     "downaria [url]",
	Short:   "Download videos, images and audio from social media platforms",
	Version: version.Version,
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if inputFile != "" {
			if err := runBatch(inputFile); err != nil {
				fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
				os.Exit(1)
			}
			return
		}

		if len(args) == 0 {
			cmd.Help()
			return
		}
		if err := runDownload(args[0]); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default: config output_dir)")
	rootCmd.Flags().StringVarP(&quality, "quality", "q", "", "preferred quality (e.g., 1080p, 720p, Audio)")
	rootCmd.Flags().StringVar(&itemID, "item", "", "carousel item to download (default: all)")
	rootCmd.Flags().StringVar(&cookie, "cookie", "", "cookie header for authenticated scrapes")
	rootCmd.Flags().BoolVar(&infoOnly, "info", false, "show media info without downloading")
	rootCmd.Flags().StringVarP(&inputFile, "file", "f", "", "read URLs from file (one per line)")
	rootCmd.Flags().BoolVar(&skipCache, "no-cache", false, "bypass the scrape cache")
	rootCmd.Flags().BoolVar(&allowGaps, "allow-gaps", false, "keep HLS downloads that lost segments")
}

func Execute() error {
	return rootCmd.Execute()
}

func runBatch(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open URL file: %w", err)
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if len(urls) == 0 {
		return fmt.Errorf("no URLs in %s", path)
	}

	var failed []string
	for i, u := range urls {
		fmt.Printf("\n  [%d/%d] %s\n", i+1, len(urls), u)
		if err := runDownload(u); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("  Error: %v", err))
			failed = append(failed, u)
		}
	}
	if len(failed) > 0 {
		fmt.Printf("\n  %d of %d failed:\n", len(failed), len(urls))
		for _, u := range failed {
			fmt.Printf("    %s\n", u)
		}
		return fmt.Errorf("%d download(s) failed", len(failed))
	}
	return nil
}

// scrapeSvc is shared across a run so that batch mode gets cache hits on
// repeated URLs; --no-cache then has something real to bypass.
var scrapeSvc *scrape.Service

func scrapeService(cfg *config.Config) *scrape.Service {
	if scrapeSvc == nil {
		policy := cache.DefaultPolicy()
		for platform, ttl := range cfg.CacheTTL {
			policy[platform] = ttl
		}
		scrapeSvc = scrape.NewService(cache.New(policy))
	}
	return scrapeSvc
}

func runDownload(rawURL string) error {
	cfg := config.LoadOrDefault()
	if !config.Exists() {
		fmt.Fprintln(os.Stderr, color.YellowString("Config file not found. Run 'downaria init' to create one."))
	}
	scrape.SetCobaltURL(cfg.CobaltURL)

	scraper := scrape.Detect(rawURL)
	if scraper == nil {
		return fmt.Errorf("unsupported URL: %s", rawURL)
	}

	ck := cookie
	if ck == "" {
		ck = cfg.CookieFor(scraper.Name())
	}

	svc := scrapeService(cfg)
	res := svc.Scrape(context.Background(), rawURL, scrape.Options{
		Cookie:    ck,
		SkipCache: skipCache,
		HD:        cfg.HD,
	})
	if !res.Success {
		return fmt.Errorf("%s: %s", res.ErrorCode, res.Error)
	}
	info := res.Data

	fmt.Printf("  Platform: %s\n", res.Platform)
	fmt.Printf("  Title:    %s\n", truncate(info.Title, 70))
	if info.Author != "" {
		fmt.Printf("  Author:   %s\n", info.Author)
	}

	if infoOnly {
		printFormats(info.Formats)
		return nil
	}

	outputDir := output
	if outputDir == "" {
		outputDir = cfg.OutputDir
	}
	if outputDir == "" {
		outputDir = config.DefaultDownloadDir()
	}
	dl := downloader.New(outputDir)

	gaps := allowGaps || cfg.AllowGaps
	q := quality
	if q == "" {
		q = cfg.Quality
	}
	if strings.EqualFold(q, "best") {
		q = ""
	}

	grouped := media.GroupByItem(info.Formats)
	carousel := len(grouped.Items) > 1

	// single item, or one specific carousel item
	if !carousel || itemID != "" {
		format, index := chooseFormat(grouped, q, itemID)
		if format == nil {
			return fmt.Errorf("no matching format for quality %q item %q", q, itemID)
		}
		return downloadOne(dl, info, *format, index, gaps)
	}

	// carousel without --item: everything
	fmt.Printf("  Carousel: %d items\n", len(grouped.Items))
	for _, id := range grouped.Items {
		format, index := chooseFormat(grouped, q, id)
		if format == nil {
			continue
		}
		if err := downloadOne(dl, info, *format, index, gaps); err != nil {
			return fmt.Errorf("item %d: %w", index+1, err)
		}
	}
	return nil
}

func downloadOne(dl *downloader.Downloader, info *media.Info, format media.Format, index int, gaps bool) error {
	label := media.Filename(info, &format, index)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := downloader.RunTUI(label, cancel, func(onProgress downloader.ProgressFunc) downloader.Result {
		return dl.Download(ctx, info, format, index, downloader.Options{AllowGaps: gaps}, onProgress)
	})
	if !res.Success {
		return res.Err
	}
	fmt.Printf("  %s %s\n", color.GreenString("Saved:"), res.Path)
	return nil
}

// chooseFormat mirrors the server's selection: exact quality label within
// the item's group, ranked-first otherwise. index is the zero-based
// carousel position, -1 for single-item content.
func chooseFormat(grouped media.Grouped, quality, itemID string) (*media.Format, int) {
	carousel := len(grouped.Items) > 1

	pick := func(id string, pos int) (*media.Format, int) {
		group := grouped.Groups[id]
		if len(group) == 0 {
			return nil, -1
		}
		media.SortFormats(group)
		index := -1
		if carousel {
			index = pos
		}
		if quality != "" {
			for i := range group {
				if strings.EqualFold(group[i].Label(), quality) {
					return &group[i], index
				}
			}
		}
		return &group[0], index
	}

	if itemID != "" {
		for pos, id := range grouped.Items {
			if id == itemID {
				return pick(id, pos)
			}
		}
		return nil, -1
	}
	if len(grouped.Items) == 0 {
		return nil, -1
	}
	return pick(grouped.Items[0], 0)
}

func printFormats(formats []media.Format) {
	grouped := media.GroupByItem(formats)
	for _, id := range grouped.Items {
		group := grouped.Groups[id]
		media.SortFormats(group)
		if len(grouped.Items) > 1 {
			fmt.Printf("  Item %s:\n", id)
		}
		for i, f := range group {
			dims := ""
			if f.Width > 0 && f.Height > 0 {
				dims = fmt.Sprintf(" %dx%d", f.Width, f.Height)
			}
			extra := ""
			switch f.Delivery {
			case media.DeliverHLS:
				extra = " [hls]"
			case media.DeliverMerge:
				extra = " [video+audio mux]"
			}
			fmt.Printf("    [%d] %s%s (%s)%s\n", i, f.Label(), dims, f.Ext, extra)
		}
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

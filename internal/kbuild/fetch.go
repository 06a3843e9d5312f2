package kbuild

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
)

const crossWrapperName = "make.cross"

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second,
	}
}

// fetchCrossWrapper downloads the make.cross wrapper script into the current
// directory and marks it executable. The download is best-effort: when it
// fails but an earlier copy is present, the stale copy is reused with a
// warning. An flock on a sidecar lock file keeps concurrent runs from
// clobbering each other's download.
func (b *Builder) fetchCrossWrapper() error {
	lockPath := crossWrapperName + ".lock"
	lFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	if err := downloadCrossWrapper(crossWrapperName); err != nil {
		if _, statErr := os.Stat(crossWrapperName); statErr == nil {
			colArrow.Print("-> ")
			cPrintf(colWarn, "Download of %s failed (%v), reusing existing copy\n",
				crossWrapperName, err)
		} else {
			return fmt.Errorf("failed to fetch %s: %w", crossWrapperName, err)
		}
	}

	st, err := os.Stat(crossWrapperName)
	if err != nil {
		return err
	}
	return os.Chmod(crossWrapperName, st.Mode()|0o111)
}

func downloadCrossWrapper(dest string) error {
	client := newHTTPClient()
	resp, err := client.Get(crossWrapperURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status %d for %s", resp.StatusCode, crossWrapperURL)
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(resp.ContentLength, "fetching "+dest)
	_, err = io.Copy(io.MultiWriter(out, bar), resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

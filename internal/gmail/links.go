package gmail

import (
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

const webHost = "mail.google.com"

// launch starts the platform URL handler. Replaced in tests.
var launch = func(link string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", link).Start()
	case "linux":
		return exec.Command("xdg-open", link).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", link).Start()
	}
	return fmt.Errorf("unsupported platform %s", runtime.GOOS)
}

// OpenInGmail opens a Gmail web link, such as a trash search, in the default
// browser. Anything other than an https link to the Gmail web client is
// refused.
func OpenInGmail(link string) error {
	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("bad gmail link: %w", err)
	}
	if u.Scheme != "https" || u.Host != webHost {
		return fmt.Errorf("refusing to open non-gmail link %q", link)
	}
	return launch(link)
}

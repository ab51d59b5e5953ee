package capture

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/network"
)

// lazyAttrs are the deferred-source attributes, in promotion order.
var lazyAttrs = []string{"data-src", "data-original", "data-lazy"}

// lazyImagesScript disables lazy loading and reports each image's src
// attribute alongside its lazyAttrs values.
var lazyImagesScript = fmt.Sprintf(`Array.from(document.images).map((img, i) => {
  img.loading = "eager";
  return {
    i: i,
    src: img.getAttribute("src") || "",
    lazy: %s.map(a => img.getAttribute(a) || ""),
  };
})`, jsStringArray(lazyAttrs))

func jsStringArray(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

type lazyImage struct {
	Index int      `json:"i"`
	Src   string   `json:"src"`
	Lazy  []string `json:"lazy"`
}

// hydrationSource picks the deferred source for an image that has no src of
// its own. Images with a non-blank src are left alone.
func hydrationSource(img lazyImage) (string, bool) {
	if strings.TrimSpace(img.Src) != "" {
		return "", false
	}
	for _, v := range img.Lazy {
		if v = strings.TrimSpace(v); v != "" {
			return v, true
		}
	}
	return "", false
}

const scrollHeightScript = `Math.max(
  document.body ? document.body.scrollHeight : 0,
  document.documentElement ? document.documentElement.scrollHeight : 0
)`

// listImagesScript returns the resolved source of every image in document
// order.
const listImagesScript = `Array.from(document.images).map((img, i) => ({i: i, src: img.currentSrc || img.src || ""}))`

// waitImagesScript resolves once every image has loaded or failed.
const waitImagesScript = `Promise.all(Array.from(document.images).map(img =>
  img.complete ? true : new Promise(resolve => { img.addEventListener("load", resolve, {once: true}); img.addEventListener("error", resolve, {once: true}); })
)).then(() => true)`

type pageImage struct {
	Index int    `json:"i"`
	Src   string `json:"src"`
}

// scrollPositions lists the y offsets visited while scrolling a page of the
// given height in step increments, ending at the bottom.
func scrollPositions(height int64, step int) []int64 {
	if height <= 0 || step <= 0 {
		return nil
	}
	positions := make([]int64, 0, height/int64(step)+1)
	for y := int64(step); y < height; y += int64(step) {
		positions = append(positions, y)
	}
	return append(positions, height)
}

func scrollToScript(y int64) string {
	return fmt.Sprintf("window.scrollTo(0, %d)", y)
}

// setImageSourceScript points image i at src, dropping any srcset.
func setImageSourceScript(index int, src string) (string, error) {
	literal, err := json.Marshal(src)
	if err != nil {
		return "", fmt.Errorf("encode image source: %w", err)
	}
	return fmt.Sprintf(`(() => {
  const img = document.images[%d];
  if (!img) { return false; }
  img.removeAttribute("srcset");
  img.src = %s;
  return true;
})()`, index, literal), nil
}

// imageMediaType returns the media type when contentType names an image.
func imageMediaType(contentType string) (string, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	mediaType = strings.ToLower(mediaType)
	return mediaType, strings.HasPrefix(mediaType, "image/")
}

func dataURI(mediaType string, body []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(body)
}

// cookieHeader renders browser cookies as a Cookie request header value.
func cookieHeader(cookies []*network.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func imageRequestHeader(pageURL string, cookies []*network.Cookie) http.Header {
	h := http.Header{}
	h.Set("Referer", pageURL)
	if v := cookieHeader(cookies); v != "" {
		h.Set("Cookie", v)
	}
	return h
}

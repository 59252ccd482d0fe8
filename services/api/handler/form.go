package handler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

const (
	maxFormMemory   = 32 << 20
	maxImagePrompts = 4
)

// imagePromptFields are the numbered form fields that describe one entry of
// image_prompts, e.g. cn_img2 and cn_weight2 both belong to the second entry.
var imagePromptFields = []string{"cn_img", "cn_stop", "cn_weight", "cn_type"}

// textFields are always kept as strings, even when they look like numbers.
var textFields = map[string]bool{
	"prompt":          true,
	"negative_prompt": true,
	"webhook_url":     true,
	"cn_type":         true,
}

// readBody returns the request as a JSON object. Multipart forms are
// converted with formBody; any other body is returned as is.
func readBody(r *http.Request) ([]byte, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return io.ReadAll(r.Body)
	}
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		return nil, err
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck
	return formBody(r.MultipartForm)
}

// formBody flattens a multipart generation form into the JSON body the JSON
// routes accept. Uploaded files become base64 strings. cn_imgN and its
// cn_stopN, cn_weightN and cn_typeN fields become one image_prompts entry,
// ordered by N.
func formBody(form *multipart.Form) ([]byte, error) {
	body := make(map[string]any, len(form.Value)+len(form.File))
	prompts := map[int]map[string]any{}

	set := func(key string, v any) {
		if field, n, ok := imagePromptField(key); ok {
			if prompts[n] == nil {
				prompts[n] = map[string]any{}
			}
			prompts[n][field] = v
			return
		}
		body[key] = v
	}

	for key, values := range form.Value {
		name := key
		if field, _, ok := imagePromptField(key); ok {
			name = field
		}
		switch len(values) {
		case 0:
		case 1:
			set(key, formValue(name, values[0]))
		default:
			list := make([]any, len(values))
			for i, v := range values {
				list[i] = formValue(name, v)
			}
			set(key, list)
		}
	}

	for key, headers := range form.File {
		if len(headers) == 0 || headers[0].Size == 0 {
			continue
		}
		encoded, err := encodeUpload(headers[0])
		if err != nil {
			return nil, fmt.Errorf("read upload %s: %w", key, err)
		}
		set(key, encoded)
	}

	if len(prompts) > 0 {
		indexes := make([]int, 0, len(prompts))
		for n := range prompts {
			indexes = append(indexes, n)
		}
		sort.Ints(indexes)
		list := make([]map[string]any, 0, len(indexes))
		for _, n := range indexes {
			list = append(list, prompts[n])
		}
		body["image_prompts"] = list
	}
	return json.Marshal(body)
}

// imagePromptField splits "cn_weight2" into ("cn_weight", 2).
func imagePromptField(key string) (string, int, bool) {
	for _, field := range imagePromptFields {
		rest, ok := strings.CutPrefix(key, field)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 || n > maxImagePrompts {
			return "", 0, false
		}
		return field, n, true
	}
	return "", 0, false
}

// formValue keeps numbers, booleans, arrays and objects typed and treats
// everything else, and every text field, as a string.
func formValue(name, v string) any {
	if textFields[name] {
		return v
	}
	var decoded any
	if err := json.Unmarshal([]byte(v), &decoded); err != nil {
		return v
	}
	if _, isString := decoded.(string); isString || decoded == nil {
		return v
	}
	return decoded
}

func encodeUpload(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

package httpclient

import (
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/kroma-labs/courier-go/httpclient/body"
)

// FileUpload represents a file to be uploaded in a multipart request.
//
// Use File() or FileReader() on RequestBuilder to add file uploads.
// Multipart bodies are streamed: parts are encoded while the connection
// reads them, so large files are never held in memory. Such bodies are sent
// at most once.
//
// Example - Upload from path:
//
//	resp, err := client.Request("Upload").
//	    File("document", "/path/to/file.pdf").
//	    Post(ctx, "/upload")
//
// Example - Upload from reader:
//
//	resp, err := client.Request("Upload").
//	    FileReader("image", "photo.jpg", imageData).
//	    Post(ctx, "/upload")
type FileUpload struct {
	// FieldName is the form field name for the file.
	//
	// Example: "document", "avatar", "attachment"
	FieldName string

	// FileName is the name of the file as it appears in the upload.
	//
	// Example: "report.pdf", "profile.jpg"
	FileName string

	// Reader provides the file content. Nil when Path is set.
	Reader io.Reader

	// Path is opened when the body is consumed.
	Path string
}

// File adds a file upload from a file path.
//
// The file is opened when the body is sent. If the file doesn't exist or
// cannot be read, the attempt fails with a KindRequest error.
//
// Example:
//
//	resp, err := client.Request("UploadDoc").
//	    File("document", "/path/to/report.pdf").
//	    FormField("title", "Q4 Report").
//	    Post(ctx, "/upload")
func (rb *RequestBuilder) File(fieldName, filePath string) *RequestBuilder {
	rb.fileUploads = append(rb.fileUploads, FileUpload{
		FieldName: fieldName,
		FileName:  filepath.Base(filePath),
		Path:      filePath,
	})
	return rb
}

// FileReader adds a file upload from an io.Reader.
//
// Example:
//
//	resp, err := client.Request("UploadCSV").
//	    FileReader("data", "export.csv", strings.NewReader(csvData)).
//	    Post(ctx, "/import")
func (rb *RequestBuilder) FileReader(fieldName, fileName string, reader io.Reader) *RequestBuilder {
	rb.fileUploads = append(rb.fileUploads, FileUpload{
		FieldName: fieldName,
		FileName:  fileName,
		Reader:    reader,
	})
	return rb
}

// FormField adds a form field to a multipart request. Fields are written
// before files, in the order they were added.
func (rb *RequestBuilder) FormField(key, value string) *RequestBuilder {
	rb.formFields = append(rb.formFields, [2]string{key, value})
	return rb
}

// buildMultipart returns a streamed multipart body and its content type.
func (rb *RequestBuilder) buildMultipart() (*body.Body, string) {
	fields := rb.formFields
	files := rb.fileUploads

	// The boundary must be known before the producer starts.
	boundary := multipart.NewWriter(io.Discard).Boundary()
	contentType := "multipart/form-data; boundary=" + boundary

	b := body.Pipe(func(w io.Writer) error {
		mw := multipart.NewWriter(w)
		if err := mw.SetBoundary(boundary); err != nil {
			return err
		}
		for _, f := range fields {
			if err := mw.WriteField(f[0], f[1]); err != nil {
				return err
			}
		}
		for _, file := range files {
			if err := writeFilePart(mw, file); err != nil {
				return err
			}
		}
		return mw.Close()
	})
	return b, contentType
}

func writeFilePart(mw *multipart.Writer, file FileUpload) error {
	reader := file.Reader
	if file.Path != "" {
		f, err := os.Open(file.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		reader = f
	}

	part, err := mw.CreateFormFile(file.FieldName, file.FileName)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, reader)
	return err
}
